package client

import (
	"path"
	"strings"

	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

// Display types derived for sources.
const (
	DisplayPDF   = "pdf"
	DisplayDocx  = "docx"
	DisplayWeb   = "web"
	DisplayAudio = "audio"
	DisplayTxt   = "txt"
	DisplayTable = "table"
	DisplayCSV   = "csv"
)

var extensionTypes = map[string]string{
	".pdf":  DisplayPDF,
	".doc":  DisplayDocx,
	".docx": DisplayDocx,
	".mp3":  DisplayAudio,
	".wav":  DisplayAudio,
	".m4a":  DisplayAudio,
	".ogg":  DisplayAudio,
	".csv":  DisplayCSV,
	".html": DisplayWeb,
	".htm":  DisplayWeb,
}

// NormalizeSources copies sources with DisplayType filled in.
func NormalizeSources(in []protocol.Source) []protocol.Source {
	out := make([]protocol.Source, len(in))
	for i, src := range in {
		src.DisplayType = DisplayType(src)
		out[i] = src
	}
	return out
}

// DisplayType derives how a source is shown from its metadata: file extension first, then mime
// type, then url, then the id prefix the analytics pipelines use.
func DisplayType(src protocol.Source) string {
	if name := metaString(src.Metadata, "file_name"); name != "" {
		if t, ok := extensionTypes[strings.ToLower(path.Ext(name))]; ok {
			return t
		}
	}
	mime := strings.ToLower(metaString(src.Metadata, "mime_type"))
	switch {
	case strings.HasPrefix(mime, "audio/"):
		return DisplayAudio
	case mime == "application/pdf":
		return DisplayPDF
	case strings.Contains(mime, "wordprocessingml"), mime == "application/msword":
		return DisplayDocx
	case mime == "text/csv":
		return DisplayCSV
	case mime == "text/html":
		return DisplayWeb
	}
	if url := metaString(src.Metadata, "url"); strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return DisplayWeb
	}
	switch {
	case strings.HasPrefix(src.ID, "csv:"):
		return DisplayCSV
	case strings.HasPrefix(src.ID, "view:"), src.ID == "sql":
		return DisplayTable
	}
	return DisplayTxt
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	s, _ := meta[key].(string)
	return strings.TrimSpace(s)
}
