// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/chaterm/internal/assemble"
	"github.com/jeranaias/chaterm/internal/model"
	"github.com/jeranaias/chaterm/internal/token"
	"github.com/jeranaias/chaterm/internal/util"
)

// =============================================================================
// LAYOUT
// =============================================================================

func (m Model) renderChat() string {
	if m.state == StatePicking {
		return lipgloss.JoinVertical(lipgloss.Left,
			m.renderHeader(),
			m.theme.HelpTitle.Render("Select a file to attach (esc to cancel)"),
			m.picker.View(),
		)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.viewport.View(),
		m.renderInputArea(),
		m.renderStatusBar(),
	)
}

func (m Model) renderHeader() string {
	title := m.theme.HeaderTitle.Render("chaterm")
	meta := m.theme.HeaderMeta.Render(m.cfg.Summary())
	line := title + "  " + meta
	return m.theme.Header.Width(maxInt(m.width, lipgloss.Width(line))).Render(line)
}

func (m Model) renderInputArea() string {
	width := maxInt(m.width, 20)
	var count string
	if n := len(m.input.Value()); n > 0 {
		count = m.theme.CharCount.Render(fmt.Sprintf(" %d", n))
	}
	return m.theme.InputContainer.Width(width).Render(m.input.View() + count)
}

// =============================================================================
// CONVERSATION RENDERING
// =============================================================================

// updateViewport re-renders the conversation into the viewport.
func (m *Model) updateViewport() {
	m.viewport.SetContent(m.renderConversation())
}

func (m Model) renderConversation() string {
	conv := m.runner.Conversation()
	messages := conv.Snapshot()
	pending, streaming := conv.PendingContent()

	if len(messages) == 0 && !streaming {
		return m.renderWelcome()
	}

	var b strings.Builder
	for _, msg := range messages {
		b.WriteString(m.renderMessage(msg))
		b.WriteString("\n\n")
	}

	if streaming {
		label := m.theme.AssistantLabel.Render(model.RoleAssistant.DisplayName())
		b.WriteString(label)
		b.WriteString(" ")
		b.WriteString(m.spinner.View())
		b.WriteString("\n")
		if pending != "" {
			// Raw text while streaming; markdown renders once the
			// message is final.
			b.WriteString(m.theme.AssistantText.Render(pending))
		} else {
			b.WriteString(m.theme.ThinkingText.Render("waiting for response..."))
		}
		b.WriteString("\n")
	}

	return b.String()
}

func (m Model) renderMessage(msg model.Message) string {
	switch msg.Role {
	case model.RoleUser:
		label := m.theme.UserLabel.Render(msg.Role.DisplayName())
		return label + "\n" + m.theme.UserText.Render(msg.Content)

	case model.RoleAssistant:
		label := m.theme.AssistantLabel.Render(msg.Role.DisplayName())
		content := msg.Content
		if m.cfg.UI.Markdown && m.renderer != nil {
			if rendered, err := m.renderer.Render(content); err == nil {
				content = strings.TrimRight(rendered, "\n")
			}
		}
		return label + "\n" + m.theme.AssistantText.Render(content)

	default:
		label := m.theme.NoticeLabel.Render(msg.Role.DisplayName())
		return label + "\n" + m.theme.NoticeText.Render(msg.Content)
	}
}

func (m Model) renderWelcome() string {
	var b strings.Builder
	b.WriteString(m.theme.HelpTitle.Render("chaterm"))
	b.WriteString("\n\n")
	b.WriteString("Chat with " + m.cfg.API.Model + ". Type a message and press enter.\n\n")
	b.WriteString(m.theme.ShortcutKey.Render("/attach <path>"))
	b.WriteString(m.theme.ShortcutDesc.Render("  add a file as context\n"))
	b.WriteString(m.theme.ShortcutKey.Render("/help"))
	b.WriteString(m.theme.ShortcutDesc.Render("          list all commands\n"))
	b.WriteString(m.theme.ShortcutKey.Render("esc"))
	b.WriteString(m.theme.ShortcutDesc.Render("            cancel a streaming reply\n"))
	b.WriteString(m.theme.ShortcutKey.Render("ctrl+q"))
	b.WriteString(m.theme.ShortcutDesc.Render("         quit"))
	return m.theme.HelpBox.Render(b.String())
}

// =============================================================================
// STATUS BAR
// =============================================================================

func (m Model) renderStatusBar() string {
	var parts []string

	used := m.contextTokenEstimate()
	budget := m.cfg.Context.MaxTokens
	tokens := fmt.Sprintf("~%d/%d tokens", used, budget)
	if used > budget-m.cfg.Context.ReservedTokens {
		parts = append(parts, m.theme.StatusAlert.Render(tokens))
	} else {
		parts = append(parts, m.theme.StatusKey.Render("ctx ")+m.theme.StatusValue.Render(tokens))
	}

	if n := m.runner.Attachments().Len(); n > 0 {
		parts = append(parts, m.theme.StatusKey.Render("files ")+m.theme.StatusValue.Render(fmt.Sprintf("%d", n)))
	}

	if m.state == StateStreaming {
		elapsed := time.Since(m.streamStart).Truncate(time.Second)
		parts = append(parts, m.theme.ThinkingText.Render(fmt.Sprintf("streaming %s (esc to cancel)", elapsed)))
	}

	if m.statusMsg != "" {
		status := util.TruncateWidth(m.statusMsg, maxInt(m.width/2, 24))
		parts = append(parts, m.theme.StatusAlert.Render(status))
	}

	line := strings.Join(parts, m.theme.StatusKey.Render(" | "))
	return m.theme.StatusBar.Width(maxInt(m.width, lipgloss.Width(line))).Render(line)
}

// contextTokenEstimate approximates what the next request would carry:
// the system prompt, attachment context, and full history.
func (m Model) contextTokenEstimate() int {
	conv := m.runner.Conversation()
	attachments := m.runner.Attachments()
	return token.Estimate(m.cfg.Context.SystemPrompt) +
		conv.EstimateTokens() +
		attachments.TotalTokenEstimate()
}

// assemblyStatus summarizes what the assembler had to drop or cut to
// fit the budget. Empty when everything fit.
func assemblyStatus(a *assemble.Result) string {
	var parts []string
	if n := len(a.DroppedAttachments); n > 0 {
		parts = append(parts, fmt.Sprintf("%d attachment(s) excluded", n))
	}
	if a.TruncatedAttachment != "" {
		parts = append(parts, "truncated "+a.TruncatedAttachment)
	}
	if a.DroppedHistory > 0 {
		parts = append(parts, fmt.Sprintf("%d older message(s) excluded", a.DroppedHistory))
	}
	if len(parts) == 0 {
		return ""
	}
	return "context: " + strings.Join(parts, ", ")
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
