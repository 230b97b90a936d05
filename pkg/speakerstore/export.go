package speakerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
)

// ExportDoc is the JSON document produced by Export.
type ExportDoc struct {
	Version  int              `json:"version"`
	Profiles []ExportedProfile `json:"profiles"`
}

// ExportedProfile bundles a profile with its embeddings.
type ExportedProfile struct {
	Profile    Profile     `json:"profile"`
	Embeddings []Embedding `json:"embeddings"`
}

const exportVersion = 1

// Export writes every profile and its embeddings to w as JSON. Profiles are
// emitted in id order so identical stores produce identical documents.
func Export(ctx context.Context, s Store, w io.Writer) error {
	profiles, err := s.ListProfiles(ctx)
	if err != nil {
		return fmt.Errorf("speakerstore: export: list profiles: %w", err)
	}
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].ID.String() < profiles[j].ID.String()
	})

	doc := ExportDoc{Version: exportVersion, Profiles: make([]ExportedProfile, 0, len(profiles))}
	for _, p := range profiles {
		embs, err := s.Embeddings(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("speakerstore: export: embeddings for %s: %w", p.ID, err)
		}
		doc.Profiles = append(doc.Profiles, ExportedProfile{Profile: p, Embeddings: embs})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("speakerstore: export: encode: %w", err)
	}
	return nil
}

// Import reads an Export document from r and merges it into s. Profiles that
// already exist keep their id and get their fields updated; their stored
// embeddings are left untouched, so importing the same document twice is a
// no-op for them. Unknown profiles are created with their embeddings.
func Import(ctx context.Context, s Store, r io.Reader) error {
	var doc ExportDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return fmt.Errorf("speakerstore: import: decode: %w", err)
	}
	if doc.Version != exportVersion {
		return fmt.Errorf("speakerstore: import: unsupported document version %d", doc.Version)
	}

	for _, ep := range doc.Profiles {
		_, err := s.GetProfile(ctx, ep.Profile.ID)
		switch {
		case err == nil:
			upd := ProfileUpdate{
				DisplayName:         &ep.Profile.DisplayName,
				Color:               &ep.Profile.Color,
				Notes:               &ep.Profile.Notes,
				ConfidenceThreshold: &ep.Profile.ConfidenceThreshold,
			}
			if err := s.UpdateProfile(ctx, ep.Profile.ID, upd); err != nil {
				return fmt.Errorf("speakerstore: import: update %s: %w", ep.Profile.ID, err)
			}

		case errors.Is(err, ErrProfileNotFound):
			if err := s.CreateProfile(ctx, ep.Profile); err != nil {
				return fmt.Errorf("speakerstore: import: create %s: %w", ep.Profile.ID, err)
			}
			for _, e := range ep.Embeddings {
				if err := s.AppendEmbedding(ctx, ep.Profile.ID, e); err != nil {
					return fmt.Errorf("speakerstore: import: embedding for %s: %w", ep.Profile.ID, err)
				}
			}

		default:
			return fmt.Errorf("speakerstore: import: lookup %s: %w", ep.Profile.ID, err)
		}
	}
	return nil
}
