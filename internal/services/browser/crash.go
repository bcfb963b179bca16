package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/mqxerror/qa-guardian/internal/models"
)

const crashTailEntries = 20

// OnCrash captures the last known page state, persists it once and marks the
// run failed. Later calls for the same state return the first dump.
func (m *Manager) OnCrash(ctx context.Context, state *State, reason string) (*models.CrashDumpData, error) {
	state.crashMu.Lock()
	defer state.crashMu.Unlock()
	if state.dump != nil {
		return state.dump, nil
	}

	state.mu.Lock()
	state.crashed = true
	state.mu.Unlock()

	dump := &models.CrashDumpData{
		RunID:       state.RunID,
		Reason:      reason,
		LastConsole: state.console.tail(crashTailEntries),
		LastNetwork: state.network.tail(crashTailEntries),
		CapturedAt:  time.Now(),
	}

	// Live state first; a dead page falls back to the last checkpoint
	cp := state.lastCheckpoint()
	page := state.Page()
	liveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if url, err := page.URL(liveCtx); err == nil {
		dump.URL = url
	} else {
		dump.URL = cp.URL
		dump.CaptureErrors = append(dump.CaptureErrors, fmt.Sprintf("url: %v", err))
	}
	if title, err := page.Title(liveCtx); err == nil {
		dump.Title = title
	} else {
		dump.Title = cp.Title
		dump.CaptureErrors = append(dump.CaptureErrors, fmt.Sprintf("title: %v", err))
	}
	html, err := page.HTML(liveCtx)
	if err != nil {
		html = cp.HTML
		dump.CaptureErrors = append(dump.CaptureErrors, fmt.Sprintf("html: %v", err))
	}
	if limit := m.config.CrashDumpHTMLLimit; limit > 0 && len(html) > limit {
		html = html[:limit]
		dump.Truncated = true
	}
	dump.HTML = html

	if html != "" {
		converter := md.NewConverter("", true, nil)
		if markdown, err := converter.ConvertString(html); err == nil {
			dump.Markdown = markdown
		} else {
			dump.CaptureErrors = append(dump.CaptureErrors, fmt.Sprintf("markdown: %v", err))
		}
	}

	if m.crashDumps != nil {
		if err := m.crashDumps.SaveCrashDump(ctx, dump); err != nil && !errors.Is(err, models.ErrCrashDumpExists) {
			return nil, fmt.Errorf("failed to persist crash dump: %w", err)
		}
	}
	state.dump = dump

	m.logger.Error().
		Str("run_id", state.RunID).
		Str("reason", reason).
		Str("url", dump.URL).
		Int("capture_errors", len(dump.CaptureErrors)).
		Msg("Browser crashed")

	if m.runs != nil {
		if _, err := m.runs.MarkFailed(ctx, state.RunID, fmt.Sprintf("%s: %s", models.ErrBrowserCrash, reason), models.FailureEnvironment); err != nil {
			m.logger.Warn().Err(err).Str("run_id", state.RunID).Msg("Failed to mark crashed run as failed")
		}
	}
	return dump, nil
}

// CrashDump returns the dump recorded for state, if any
func (m *Manager) CrashDump(state *State) *models.CrashDumpData {
	state.crashMu.Lock()
	defer state.crashMu.Unlock()
	return state.dump
}
