package main

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lyndonlyu/loupe/internal/packet"
	"github.com/lyndonlyu/loupe/internal/sessionfile"
)

var (
	inspectFormat  string
	inspectPackets bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show the headers of a session file",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectFormat, "format", "text", "Output format: text, json or markdown")
	inspectCmd.Flags().BoolVar(&inspectPackets, "packets", false, "Also list the messages in the file")
}

type inspectFragment struct {
	FileID     string    `json:"file_id"`
	Sequence   int32     `json:"sequence"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	IsLastFile bool      `json:"is_last_file"`
}

type inspectReport struct {
	Path           string            `json:"path"`
	FileVersion    string            `json:"file_version"`
	DataOffset     int32             `json:"data_offset"`
	SessionID      string            `json:"session_id"`
	ComputerID     string            `json:"computer_id"`
	Product        string            `json:"product"`
	Application    string            `json:"application"`
	Version        string            `json:"version"`
	Environment    string            `json:"environment,omitempty"`
	PromotionLevel string            `json:"promotion_level,omitempty"`
	Host           string            `json:"host"`
	User           string            `json:"user"`
	Caption        string            `json:"caption"`
	Status         string            `json:"status"`
	StartTime      time.Time         `json:"start_time"`
	EndTime        time.Time         `json:"end_time"`
	Messages       int32             `json:"messages"`
	Critical       int32             `json:"critical"`
	Errors         int32             `json:"errors"`
	Warnings       int32             `json:"warnings"`
	Properties     map[string]string `json:"properties,omitempty"`
	Fragment       *inspectFragment  `json:"fragment,omitempty"`
	Packets        []packet.Message  `json:"packets,omitempty"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	r, err := sessionfile.Open(args[0], sessionfile.WithLogger(lg), sessionfile.WithMetrics(sessionMetrics))
	if err != nil {
		return err
	}
	defer r.Close()

	fh, h := r.FileHeader(), r.Header()
	info, counts := h.Info(), h.Counts()
	rep := inspectReport{
		Path:           args[0],
		FileVersion:    fmt.Sprintf("%d.%d", fh.MajorVersion, fh.MinorVersion),
		DataOffset:     fh.DataOffset,
		SessionID:      info.ID.String(),
		ComputerID:     info.ComputerID.String(),
		Product:        info.Product,
		Application:    info.Application,
		Version:        info.ApplicationVersion,
		Environment:    info.Environment,
		PromotionLevel: info.PromotionLevel,
		Host:           info.HostName,
		User:           h.FullyQualifiedUserName(),
		Caption:        info.Caption,
		Status:         info.StatusName,
		StartTime:      info.StartTime,
		EndTime:        h.EndTime(),
		Messages:       counts.Messages,
		Critical:       counts.Critical,
		Errors:         counts.Errors,
		Warnings:       counts.Warnings,
		Properties:     info.Properties,
	}
	if f, ok := h.Fragment(); ok {
		rep.Fragment = &inspectFragment{
			FileID:     f.FileID.String(),
			Sequence:   f.Sequence,
			StartTime:  f.StartTime,
			EndTime:    f.EndTime,
			IsLastFile: f.IsLastFile,
		}
	}
	if inspectPackets {
		rep.Packets, err = r.Messages()
		if err != nil {
			return err
		}
	}

	switch inspectFormat {
	case "json":
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return fmt.Errorf("json marshal: %w", err)
		}
		fmt.Println(string(data))
	case "markdown":
		fmt.Print(renderMarkdown(inspectMarkdown(rep)))
	case "text", "":
		fmt.Print(inspectText(rep))
	default:
		return fmt.Errorf("unknown format %q (want text, json or markdown)", inspectFormat)
	}
	return nil
}

func inspectText(r inspectReport) string {
	var b strings.Builder
	b.WriteString(styleTitle.Render(r.Product+" / "+r.Application) + "\n")
	b.WriteString(field("File", r.Path))
	b.WriteString(field("Protocol", r.FileVersion))
	b.WriteString(field("Session", r.SessionID))
	b.WriteString(field("Computer", r.ComputerID))
	b.WriteString(field("Status", renderStatus(r.Status)))
	b.WriteString(field("Caption", r.Caption))
	b.WriteString(field("Host", r.Host))
	b.WriteString(field("User", r.User))
	b.WriteString(field("Started", r.StartTime.Format(time.RFC3339)))
	b.WriteString(field("Ended", r.EndTime.Format(time.RFC3339)))
	b.WriteString(field("Messages", fmt.Sprintf("%d (%d critical, %d errors, %d warnings)",
		r.Messages, r.Critical, r.Errors, r.Warnings)))
	if f := r.Fragment; f != nil {
		last := ""
		if f.IsLastFile {
			last = ", last"
		}
		b.WriteString(field("Fragment", fmt.Sprintf("#%d %s%s", f.Sequence, f.FileID, last)))
	}
	for _, k := range slices.Sorted(maps.Keys(r.Properties)) {
		b.WriteString(field(k, r.Properties[k]))
	}
	for _, m := range r.Packets {
		fmt.Fprintf(&b, "%s %-11s %s\n", styleDim.Render(m.Timestamp.Format(time.TimeOnly)), m.Severity, m.Caption)
	}
	return b.String()
}

func inspectMarkdown(r inspectReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s / %s\n\n", r.Product, r.Application)
	fmt.Fprintf(&b, "| Field | Value |\n|---|---|\n")
	row := func(k, v string) { fmt.Fprintf(&b, "| %s | %s |\n", k, strings.ReplaceAll(v, "|", `\|`)) }
	row("File", r.Path)
	row("Protocol", r.FileVersion)
	row("Session", r.SessionID)
	row("Status", r.Status)
	row("Caption", r.Caption)
	row("Host", r.Host)
	row("User", r.User)
	row("Started", r.StartTime.Format(time.RFC3339))
	row("Ended", r.EndTime.Format(time.RFC3339))
	row("Messages", fmt.Sprintf("%d", r.Messages))
	row("Critical / Errors / Warnings", fmt.Sprintf("%d / %d / %d", r.Critical, r.Errors, r.Warnings))
	if f := r.Fragment; f != nil {
		row("Fragment", fmt.Sprintf("#%d (last: %t)", f.Sequence, f.IsLastFile))
	}
	if len(r.Properties) > 0 {
		b.WriteString("\n## Properties\n\n")
		for _, k := range slices.Sorted(maps.Keys(r.Properties)) {
			fmt.Fprintf(&b, "- **%s**: %s\n", k, r.Properties[k])
		}
	}
	if len(r.Packets) > 0 {
		b.WriteString("\n## Messages\n\n")
		for _, m := range r.Packets {
			fmt.Fprintf(&b, "- `%s` **%s** %s\n", m.Timestamp.Format(time.TimeOnly), m.Severity, m.Caption)
		}
	}
	return b.String()
}
