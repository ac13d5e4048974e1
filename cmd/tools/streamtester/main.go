package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/insight-desk/backend/pkg/client"
	"github.com/zhouzirui/insight-desk/backend/pkg/logger"
	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

func main() {
	_ = godotenv.Load()

	baseURL := flag.String("url", envOr("STREAM_URL", "http://localhost:8080/api"), "API 地址")
	assistantID := flag.String("assistant", "knowledge", "助手 ID")
	sessionID := flag.String("session", "", "会话 ID，留空则新建")
	lang := flag.String("lang", "en", "界面语言: en, fr, zh")
	message := flag.String("message", "", "单次提问；留空进入交互模式")
	timeout := flag.Duration("timeout", 2*time.Minute, "单轮超时")
	verbose := flag.Bool("v", false, "打印调试日志")
	flag.Parse()

	mode := "prod"
	if *verbose {
		mode = "dev"
	}
	log, err := logger.New(mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(*baseURL, client.WithLogger(log))
	conv := c.NewConversation(*assistantID, *sessionID, *lang)
	term := newTerminal()
	charts := client.NewRegistry(term, "light", log)

	ask := func(text string) bool {
		turnCtx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		return runTurn(turnCtx, conv, client.LabelsFor(*lang), term, charts, text)
	}

	if *message != "" {
		if !ask(*message) {
			os.Exit(1)
		}
		return
	}

	fmt.Println("输入问题后回车，/reset 清空会话，/quit 退出。")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit":
			return
		case "/reset":
			if err := conv.Reset(ctx); err != nil {
				fmt.Printf("reset failed: %v\n", err)
			}
			charts.Reset()
			term.clear()
			continue
		}
		ask(line)
		if ctx.Err() != nil {
			return
		}
	}
}

func runTurn(ctx context.Context, conv *client.Conversation, labels client.Labels, term *terminal, charts *client.Registry, text string) bool {
	obs := client.Observer{
		OnStatus: func(msg string) { fmt.Printf("… %s\n", msg) },
		OnToken: func(content string) {
			term.write(content)
			charts.TryHydrateAll()
		},
		OnStep: func(step *protocol.StepEvent) {
			if step.Status != protocol.StatusRunning {
				fmt.Printf("\n  [%s] %s\n", step.Status, labels.For(step))
			}
		},
		OnVisualization: func(v protocol.Visualization) {
			if _, err := charts.Register(v.ID, v); err != nil {
				fmt.Printf("\n  chart %s: %v\n", v.ID, err)
			}
		},
		OnError: func(frame protocol.Frame) {
			fmt.Printf("\n%s\n", frame.Message)
		},
	}

	turn := conv.Send(ctx, text, obs)
	msg, res, err := turn.Wait()
	fmt.Println()
	if err != nil {
		fmt.Printf("stream error: %v\n", err)
	}
	if msg == nil {
		return false
	}

	fmt.Printf("session=%s request=%s skipped=%d\n", res.SessionID, res.RequestID, res.Skipped)
	fmt.Println("steps:")
	printSteps(msg.Steps, labels, 1)
	for _, src := range msg.Sources {
		fmt.Printf("  source: %s (%s)\n", src.ID, client.DisplayType(src))
	}
	if pending := charts.Pending(); len(pending) > 0 {
		fmt.Printf("charts without anchor: %s\n", strings.Join(pending, ", "))
	}
	return err == nil && !msg.Failed
}

func printSteps(steps []*protocol.StepEvent, labels client.Labels, depth int) {
	for _, s := range steps {
		line := fmt.Sprintf("%s- %s [%s]", strings.Repeat("  ", depth), labels.For(s), s.Status)
		if s.Duration != nil {
			line += fmt.Sprintf(" %.2fs", *s.Duration)
		}
		if s.Tokens != nil {
			line += fmt.Sprintf(" tokens=%d/%d", s.Tokens.Input, s.Tokens.Output)
		}
		fmt.Println(line)
		printSteps(s.SubSteps, labels, depth+1)
	}
}

// terminal is a text surface: anchors exist once printed, charts are drawn as bars.
type terminal struct {
	mu   sync.Mutex
	text strings.Builder
}

func newTerminal() *terminal { return &terminal{} }

func (t *terminal) write(s string) {
	t.mu.Lock()
	t.text.WriteString(s)
	t.mu.Unlock()
	fmt.Print(s)
}

func (t *terminal) clear() {
	t.mu.Lock()
	t.text.Reset()
	t.mu.Unlock()
}

func (t *terminal) HasAnchor(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Contains(t.text.String(), protocol.ChartAnchor(id))
}

func (t *terminal) Render(id string, v protocol.Visualization, theme string) (client.Chart, error) {
	if len(v.Series) == 0 {
		return nil, fmt.Errorf("chart %s has no series", id)
	}
	ch := &textChart{v: v}
	fmt.Print(ch.draw(theme))
	return ch, nil
}

type textChart struct {
	v protocol.Visualization
}

func (c *textChart) Restyle(theme string) error {
	fmt.Print(c.draw(theme))
	return nil
}

func (c *textChart) draw(theme string) string {
	const width = 40
	bar := "#"
	if theme == "dark" {
		bar = "█"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n[%s] %s\n", c.v.Chart, c.v.Title)
	for _, series := range c.v.Series {
		peak := 0.0
		for _, v := range series.Data {
			if v > peak {
				peak = v
			}
		}
		fmt.Fprintf(&b, "  %s\n", series.Name)
		for i, v := range series.Data {
			label := fmt.Sprintf("#%d", i+1)
			if i < len(c.v.Labels) {
				label = c.v.Labels[i]
			}
			n := 0
			if peak > 0 {
				n = int(v / peak * width)
			}
			fmt.Fprintf(&b, "  %-16s %s %.2f\n", label, strings.Repeat(bar, n), v)
		}
	}
	return b.String()
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
