package webconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kmederer/pvcollect/model"
)

const (
	urlMetadata = "/data/ObjectMetadata_Istl.json"
	urlTags     = "/data/l10n/en-US.json"
)

// FetchMetadata retrieves the static key metadata dictionary. The document
// needs no session and is fetched exactly once per device at startup.
func (s *Session) FetchMetadata(ctx context.Context) (model.MetadataDict, error) {
	dict := make(model.MetadataDict)
	if err := s.getJSON(ctx, urlMetadata, &dict); err != nil {
		return nil, fmt.Errorf("fetch metadata dictionary: %w", err)
	}
	return dict, nil
}

// FetchTags retrieves the static tag dictionary mapping numeric codes to
// display strings.
func (s *Session) FetchTags(ctx context.Context) (model.TagDict, error) {
	dict := make(model.TagDict)
	if err := s.getJSON(ctx, urlTags, &dict); err != nil {
		return nil, fmt.Errorf("fetch tag dictionary: %w", err)
	}
	return dict, nil
}

func (s *Session) getJSON(ctx context.Context, path string, target any) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", s.baseURL, ErrConnectivity, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s%s: %w: unexpected status %d", s.baseURL, path, ErrNoResult, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("%s%s: %w: %v", s.baseURL, path, ErrNoResult, err)
	}
	return nil
}
