package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// WriteMode selects how an upsert treats an existing artifact with the
// same signature.
type WriteMode string

const (
	// WriteModeOverwrite replaces the existing body.
	WriteModeOverwrite WriteMode = "overwrite"
	// WriteModeAppend joins the new body onto the existing one with the
	// configured separator.
	WriteModeAppend WriteMode = "append"
)

// Artifact is a content-addressed row in content_artifacts.
type Artifact struct {
	ID          int64             `json:"id"`
	ContentHash string            `json:"content_hash"`
	ParentRef   string            `json:"parent_ref,omitempty"`
	Email       string            `json:"email,omitempty"`
	Kind        string            `json:"kind"`
	Body        string            `json:"body"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ArtifactInput is the caller-supplied portion of an upsert.
type ArtifactInput struct {
	ParentRef string
	Email     string
	Kind      string
	Body      string
	Metadata  map[string]string
}

// HashContent returns the hex SHA-256 of the body, the artifact identity
// used for global dedup.
func HashContent(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// UpsertArtifact stores one artifact under dedup-then-signature rules:
//
//  1. If any row already holds the same content hash, no new row is
//     created. Missing linkage (parent_ref, email) on that row is filled
//     in and metadata is shallow-merged with incoming keys winning.
//     Existing linkage is never replaced.
//  2. Otherwise, if a row exists for (parent_ref, email, kind), its body
//     is overwritten or appended to per mode, and the hash recomputed.
//  3. Otherwise a fresh row is inserted.
//
// Returns the resulting artifact and whether a new row was created.
func (s *Store) UpsertArtifact(ctx context.Context, in ArtifactInput, mode WriteMode, separator string) (Artifact, bool, error) {
	if in.Kind == "" {
		return Artifact{}, false, errors.New("artifact requires a kind")
	}
	if in.Body == "" {
		return Artifact{}, false, errors.New("artifact requires a body")
	}
	switch mode {
	case WriteModeOverwrite, WriteModeAppend:
	default:
		return Artifact{}, false, fmt.Errorf("unknown write mode %q", mode)
	}

	hash := HashContent(in.Body)

	var result Artifact
	var created bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin artifact tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// Global dedup: identical content already stored anywhere.
		existing, err := findArtifactTx(ctx, tx, `content_hash = ?`, hash)
		if err != nil {
			return err
		}
		if existing != nil {
			if err := mergeLinkageTx(ctx, tx, existing, in); err != nil {
				return err
			}
			updated, err := findArtifactTx(ctx, tx, `id = ?`, existing.ID)
			if err != nil {
				return err
			}
			result, created = *updated, false
			return tx.Commit()
		}

		// Signature match: same (parent_ref, email, kind).
		if in.ParentRef != "" || in.Email != "" {
			existing, err = findArtifactTx(ctx, tx,
				`COALESCE(parent_ref, '') = ? AND COALESCE(email, '') = ? AND kind = ?`,
				in.ParentRef, in.Email, in.Kind)
			if err != nil {
				return err
			}
		}
		if existing != nil {
			body := in.Body
			if mode == WriteModeAppend {
				body = existing.Body + separator + in.Body
			}
			newHash := HashContent(body)
			meta := mergeMetadata(existing.Metadata, in.Metadata)
			metaJSON, err := json.Marshal(meta)
			if err != nil {
				return fmt.Errorf("marshal artifact metadata: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE content_artifacts
				SET body = ?, content_hash = ?, metadata = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, body, newHash, string(metaJSON), existing.ID); err != nil {
				return fmt.Errorf("update artifact: %w", err)
			}
			updated, err := findArtifactTx(ctx, tx, `id = ?`, existing.ID)
			if err != nil {
				return err
			}
			result, created = *updated, false
			return tx.Commit()
		}

		metaJSON, err := json.Marshal(nonNilMetadata(in.Metadata))
		if err != nil {
			return fmt.Errorf("marshal artifact metadata: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO content_artifacts (content_hash, parent_ref, email, kind, body, metadata, created_at, updated_at)
			VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, hash, in.ParentRef, in.Email, in.Kind, in.Body, string(metaJSON))
		if err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("artifact insert id: %w", err)
		}
		inserted, err := findArtifactTx(ctx, tx, `id = ?`, id)
		if err != nil {
			return err
		}
		result, created = *inserted, true
		return tx.Commit()
	})
	if err != nil {
		return Artifact{}, false, err
	}
	return result, created, nil
}

// mergeLinkageTx fills empty linkage fields on a deduped artifact and
// shallow-merges metadata. Never replaces linkage that is already set.
func mergeLinkageTx(ctx context.Context, tx *sql.Tx, existing *Artifact, in ArtifactInput) error {
	meta := mergeMetadata(existing.Metadata, in.Metadata)
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal artifact metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE content_artifacts
		SET parent_ref = COALESCE(parent_ref, NULLIF(?, '')),
			email = COALESCE(email, NULLIF(?, '')),
			metadata = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, in.ParentRef, in.Email, string(metaJSON), existing.ID); err != nil {
		return fmt.Errorf("merge artifact linkage: %w", err)
	}
	return nil
}

// mergeMetadata overlays incoming keys onto existing ones; incoming wins.
func mergeMetadata(existing, incoming map[string]string) map[string]string {
	out := make(map[string]string, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// FindArtifactBySignature returns the artifact linked to (parentRef,
// email, kind), or nil when none exists.
func (s *Store) FindArtifactBySignature(ctx context.Context, parentRef, email, kind string) (*Artifact, error) {
	return s.findArtifact(ctx,
		`COALESCE(parent_ref, '') = ? AND COALESCE(email, '') = ? AND kind = ?`,
		parentRef, email, kind)
}

// FindArtifactByHash returns the artifact with the given content hash, or
// nil when none exists.
func (s *Store) FindArtifactByHash(ctx context.Context, hash string) (*Artifact, error) {
	return s.findArtifact(ctx, `content_hash = ?`, hash)
}

func (s *Store) findArtifact(ctx context.Context, where string, args ...any) (*Artifact, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin artifact read tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	a, err := findArtifactTx(ctx, tx, where, args...)
	if err != nil {
		return nil, err
	}
	return a, tx.Commit()
}

func findArtifactTx(ctx context.Context, tx *sql.Tx, where string, args ...any) (*Artifact, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, content_hash, COALESCE(parent_ref, ''), COALESCE(email, ''), kind, body, metadata, created_at, updated_at
		FROM content_artifacts
		WHERE `+where+`
		ORDER BY id ASC
		LIMIT 1;
	`, args...)

	var a Artifact
	var metaJSON string
	if err := row.Scan(&a.ID, &a.ContentHash, &a.ParentRef, &a.Email, &a.Kind, &a.Body, &metaJSON, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode artifact metadata: %w", err)
		}
	}
	return &a, nil
}
