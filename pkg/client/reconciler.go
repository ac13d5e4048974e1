package client

import (
	"fmt"

	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// Observer receives folded updates synchronously, in frame order. Any field may be nil.
type Observer struct {
	OnStatus        func(message string)
	OnToken         func(content string)
	OnBlock         func(block protocol.ContentBlock)
	OnStep          func(step *protocol.StepEvent)
	OnSources       func(sources []protocol.Source)
	OnVisualization func(v protocol.Visualization)
	OnError         func(frame protocol.Frame)
	OnDone          func(msg *Message)
}

// Reconciler folds frames into one message.
//
// A step whose parent has not been announced yet waits in a pending pool keyed by that parent id
// and is attached as soon as the parent arrives. Orphans still waiting when the message finishes
// are promoted to top-level steps in arrival order.
type Reconciler struct {
	msg    *Message
	obs    Observer
	labels Labels

	pending map[string][]*protocol.StepEvent
	waiting []string
}

// NewReconciler folds into msg.
func NewReconciler(msg *Message, obs Observer, labels Labels) *Reconciler {
	return &Reconciler{msg: msg, obs: obs, labels: labels, pending: make(map[string][]*protocol.StepEvent)}
}

// Message returns the message being folded.
func (r *Reconciler) Message() *Message { return r.msg }

// Pending counts orphan steps waiting for their parent.
func (r *Reconciler) Pending() int {
	n := 0
	for _, steps := range r.pending {
		protocol.Walk(steps, func(*protocol.StepEvent) bool { n++; return true })
	}
	return n
}

// Apply folds one frame. Frames after the message is done are ignored.
func (r *Reconciler) Apply(f protocol.Frame) {
	if r.msg.Done {
		return
	}
	switch f.Type {
	case protocol.FrameStatus:
		r.msg.StatusMessage = f.Message
		if r.obs.OnStatus != nil {
			r.obs.OnStatus(f.Message)
		}
	case protocol.FrameToken:
		r.msg.appendText(f.Content)
		if r.obs.OnToken != nil {
			r.obs.OnToken(f.Content)
		}
	case protocol.FrameContentBlock, protocol.FrameTechSheet:
		if f.Block == nil {
			return
		}
		r.msg.Blocks = append(r.msg.Blocks, *f.Block)
		if r.obs.OnBlock != nil {
			r.obs.OnBlock(*f.Block)
		}
	case protocol.FrameStep:
		if f.StepEvent == nil {
			return
		}
		step := f.StepEvent.Clone()
		placed := r.place(step)
		placed.Label = r.labels.For(placed)
		if r.obs.OnStep != nil {
			r.obs.OnStep(placed)
		}
		if step.StepType == protocol.StepCompleted && step.ParentID == "" && step.Status.Terminal() {
			r.finish()
		}
	case protocol.FrameSources:
		r.msg.Sources = NormalizeSources(f.Data)
		if r.obs.OnSources != nil {
			r.obs.OnSources(r.msg.Sources)
		}
	case protocol.FrameVisualization:
		if f.Visualization == nil {
			return
		}
		v := *f.Visualization
		r.msg.Visualization = &v
		if r.obs.OnVisualization != nil {
			r.obs.OnVisualization(v)
		}
	case protocol.FrameError:
		r.msg.Ref = f.Ref
		r.msg.markFailed(ErrorMarker(f))
		if r.obs.OnError != nil {
			r.obs.OnError(f)
		}
		r.finish()
	}
}

// Finish ends the message when the stream closed without a completed step or error frame.
func (r *Reconciler) Finish() {
	if !r.msg.Done {
		r.finish()
	}
}

// Abort marks the message aborted by the user and ends it. Waiting orphans are promoted as on any
// other ending.
func (r *Reconciler) Abort(marker string) {
	if r.msg.Done {
		return
	}
	r.msg.markFailed(marker)
	r.msg.Aborted = true
	r.finish()
}

// Fail marks a transport failure and ends the message.
func (r *Reconciler) Fail(reason, ref string) {
	if r.msg.Done {
		return
	}
	r.msg.Ref = ref
	r.msg.markFailed(technicalMarker(reason, ref))
	if r.obs.OnError != nil {
		r.obs.OnError(protocol.ErrorFrame(protocol.ErrorTechnical, reason, ref))
	}
	r.finish()
}

func (r *Reconciler) finish() {
	for _, parentID := range r.waiting {
		for _, orphan := range r.pending[parentID] {
			r.msg.Steps = upsert(r.msg.Steps, orphan)
		}
		delete(r.pending, parentID)
	}
	r.waiting = nil
	r.msg.Done = true
	r.msg.StatusMessage = ""
	if r.obs.OnDone != nil {
		r.obs.OnDone(r.msg)
	}
}

// place upserts step into its parent's sub steps, the top level, or the pending pool, then
// adopts any orphans that were waiting for it. It returns the node now in the tree.
func (r *Reconciler) place(step *protocol.StepEvent) *protocol.StepEvent {
	var node *protocol.StepEvent
	switch {
	case step.ParentID == "":
		r.msg.Steps = upsert(r.msg.Steps, step)
		node = protocol.Find(r.msg.Steps, step.StepID)
	default:
		if parent := r.findParent(step.ParentID); parent != nil {
			parent.SubSteps = upsert(parent.SubSteps, step)
			node = protocol.Find(parent.SubSteps, step.StepID)
		} else {
			if _, ok := r.pending[step.ParentID]; !ok {
				r.waiting = append(r.waiting, step.ParentID)
			}
			r.pending[step.ParentID] = upsert(r.pending[step.ParentID], step)
			node = protocol.Find(r.pending[step.ParentID], step.StepID)
		}
	}
	r.adopt(node)
	return node
}

// findParent searches the message tree, then the trees parked in the pending pool.
func (r *Reconciler) findParent(id string) *protocol.StepEvent {
	if p := protocol.Find(r.msg.Steps, id); p != nil {
		return p
	}
	for _, parentID := range r.waiting {
		if p := protocol.Find(r.pending[parentID], id); p != nil {
			return p
		}
	}
	return nil
}

func (r *Reconciler) adopt(node *protocol.StepEvent) {
	orphans, ok := r.pending[node.StepID]
	if !ok {
		return
	}
	delete(r.pending, node.StepID)
	for i, id := range r.waiting {
		if id == node.StepID {
			r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
			break
		}
	}
	for _, orphan := range orphans {
		node.SubSteps = upsert(node.SubSteps, orphan)
	}
}

// upsert replaces the step with the same id in place. Duration, tokens, payload and sub steps the
// new announcement omits are kept from the old node. A terminal status is never downgraded to
// running, so a late running re-announcement only fills in what the terminal node lacks.
func upsert(list []*protocol.StepEvent, step *protocol.StepEvent) []*protocol.StepEvent {
	for i, existing := range list {
		if existing.StepID != step.StepID {
			continue
		}
		if existing.Status.Terminal() && !step.Status.Terminal() {
			merge(existing, step)
			return list
		}
		merge(step, existing)
		list[i] = step
		return list
	}
	return append(list, step)
}

// merge fills the fields dst omits from src.
func merge(dst, src *protocol.StepEvent) {
	if dst.Duration == nil {
		dst.Duration = src.Duration
	}
	if dst.Tokens == nil {
		dst.Tokens = src.Tokens
	}
	if len(dst.Payload) == 0 {
		dst.Payload = src.Payload
	}
	if len(dst.SubSteps) == 0 {
		dst.SubSteps = src.SubSteps
	}
}

// ErrorMarker is the text appended to a message for an error frame. Technical errors are not
// translated and carry the correlation id.
func ErrorMarker(f protocol.Frame) string {
	if f.Kind == protocol.ErrorTechnical {
		return technicalMarker(f.Message, f.Ref)
	}
	return "⚠ " + f.Message
}

func technicalMarker(reason, ref string) string {
	marker := "⚠ [technical error]"
	if reason != "" {
		marker += " " + reason
	}
	if ref != "" {
		marker += fmt.Sprintf(" (ref: %s)", ref)
	}
	return marker
}
