package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"teamtrust/pkg/peer"
	"teamtrust/pkg/types"
	"teamtrust/pkg/units"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(18)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	warningValueStyle = lipgloss.NewStyle().
				Foreground(warningColor).
				Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().Padding(0, 1)

	successMark = accentValueStyle.Render("✓")
)

func statusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the team as this device sees it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTeam(func(p *peer.Peer) error {
				summary, err := p.Summary()
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(summary)
				}
				fmt.Println(renderStatus(p, summary))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}

func renderStatus(p *peer.Peer, s *peer.TeamSummary) string {
	local := p.Local()
	var overview strings.Builder
	rows := []struct {
		label string
		value string
		style lipgloss.Style
	}{
		{"Team", s.Name, accentValueStyle},
		{"Team ID", shortHash(s.ID), valueStyle},
		{"This device", types.DeviceName(local.User.UserID, local.Device.DeviceID), valueStyle},
		{"Members", fmt.Sprintf("%d", len(s.Members)), valueStyle},
		{"History links", fmt.Sprintf("%d (%s)", s.Links, units.FormatSize(s.StoredBytes)), valueStyle},
		{"Discarded", fmt.Sprintf("%d", s.Discarded), discardedStyle(s.Discarded)},
		{"Heads", shortHashes(s.Heads), valueStyle},
	}
	for _, r := range rows {
		overview.WriteString(labelStyle.Render(r.label) + r.style.Render(r.value) + "\n")
	}

	members := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(mutedColor)).
		Headers("MEMBER", "ADMIN", "ROLES", "DEVICES").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		})
	for _, m := range s.Members {
		admin := ""
		if m.Admin {
			admin = "yes"
		}
		devices := make([]string, len(m.Devices))
		for i, d := range m.Devices {
			devices[i] = string(d)
		}
		members.Row(string(m.UserID), admin, strings.Join(m.Roles, ", "), strings.Join(devices, ", "))
	}

	var keys strings.Builder
	scopes := make([]string, 0, len(s.Keys))
	for scope := range s.Keys {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	for _, scope := range scopes {
		keys.WriteString(labelStyle.Render(scope) + valueStyle.Render(fmt.Sprintf("generation %d", s.Keys[scope])) + "\n")
	}

	panels := []string{
		panel("Overview", overview.String()),
		panel("Members", members.String()),
		panel("Keys", strings.TrimRight(keys.String(), "\n")),
	}
	if len(s.Servers) > 0 {
		panels = append(panels, panel("Servers", strings.Join(s.Servers, "\n")))
	}
	return lipgloss.JoinVertical(lipgloss.Left, panels...)
}

func panel(title, content string) string {
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), content))
}

func discardedStyle(n int) lipgloss.Style {
	if n > 0 {
		return warningValueStyle
	}
	return valueStyle
}

func shortHash(h types.Hash) string {
	if len(h) > 12 {
		return string(h[:12])
	}
	return string(h)
}

func shortHashes(hashes []types.Hash) string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = shortHash(h)
	}
	return strings.Join(out, ", ")
}
