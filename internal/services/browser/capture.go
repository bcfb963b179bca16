package browser

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"strings"

	"github.com/mqxerror/qa-guardian/internal/models"
	_ "golang.org/x/image/webp"
)

func isHTML(mime string) bool {
	mime = strings.ToLower(mime)
	return mime == "" || strings.HasPrefix(mime, "text/html") || strings.HasPrefix(mime, "application/xhtml")
}

// Capture takes a screenshot. A full-page request on an oversized or
// non-HTML page degrades to a viewport capture marked partial.
func (m *Manager) Capture(ctx context.Context, state *State, fullPage bool) (*models.Screenshot, error) {
	page := state.Page()
	full, reason := fullPage, ""

	if fullPage {
		info, err := page.Info(ctx)
		switch {
		case err != nil:
			full, reason = false, fmt.Sprintf("page inspection failed: %v", err)
		case !isHTML(info.MimeType):
			full, reason = false, fmt.Sprintf("non-HTML response (%s)", info.MimeType)
		case m.config.MaxFullPagePixels > 0 && info.ContentWidth*info.ContentHeight > m.config.MaxFullPagePixels:
			full, reason = false, fmt.Sprintf("page too large: %dx%d exceeds %d pixels",
				info.ContentWidth, info.ContentHeight, m.config.MaxFullPagePixels)
		}
	}

	data, err := page.Screenshot(ctx, full)
	if err != nil && full {
		m.logger.Warn().Err(err).Str("run_id", state.RunID).Msg("Full-page capture failed, retrying viewport only")
		full, reason = false, fmt.Sprintf("full-page capture failed: %v", err)
		data, err = page.Screenshot(ctx, false)
	}
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("screenshot is not a decodable image: %w", err)
	}

	shot := &models.Screenshot{
		Data:          data,
		Format:        format,
		Width:         cfg.Width,
		Height:        cfg.Height,
		Partial:       fullPage && !full,
		PartialReason: reason,
	}
	if shot.Partial {
		m.logger.Info().Str("run_id", state.RunID).Str("reason", reason).Msg("Captured viewport-only screenshot")
	}
	return shot, nil
}
