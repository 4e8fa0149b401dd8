package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"feedsync/internal/models"

	"gopkg.in/yaml.v3"
)

// render writes v as json or yaml, or calls text for the text format.
func render(w io.Writer, format string, v interface{}, text func(io.Writer)) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(w)
		return nil
	}
}

func writePost(w io.Writer, p models.Post) {
	title := p.Title
	if title == "" {
		title = "(untitled)"
	}
	fmt.Fprintf(w, "%s  %s  by %s  [%d likes, %d comments]\n", p.ID, title, p.Author.Name, len(p.Likes), len(p.Comments))
	if content := strings.TrimSpace(p.Content); content != "" {
		fmt.Fprintf(w, "    %s\n", firstLine(content))
	}
}

func writeMessage(w io.Writer, m models.Message, selfID string) {
	who := m.From
	if m.From == selfID {
		who = "me"
	}
	fmt.Fprintf(w, "%s  %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, m.Content)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
