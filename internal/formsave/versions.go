package formsave

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pitabwire/formsync/internal/client"
	"github.com/pitabwire/formsync/model"
)

// createVersion records an immutable snapshot of the saved form. The
// response body is not used.
func (s *Saver) createVersion(ctx context.Context, state model.SaveState) error {
	_, err := s.backend.Do(ctx, client.Request{
		Method: http.MethodPost,
		URL:    strings.TrimSuffix(state.Form.URL, "/") + "/versions",
		Body:   map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("formsave: create version: %w", err)
	}
	return nil
}
