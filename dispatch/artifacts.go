package dispatch

import (
	"context"
	"fmt"

	"github.com/pithecene-io/seam/canonical"
	"github.com/pithecene-io/seam/lake"
	"github.com/pithecene-io/seam/registry"
	"github.com/pithecene-io/seam/types"
)

// persistArtifacts applies the storage policy to every artifact a handler
// declared and inserts the rows. Order is preserved; a failure aborts the
// batch and fails the attempt (lake writes are idempotent, so the retry is
// safe).
func (d *Dispatcher) persistArtifacts(ctx context.Context, run *types.Run, rc *registry.RunContext, specs []types.ArtifactSpec) error {
	for _, spec := range specs {
		if err := d.persistArtifact(ctx, run, rc, spec); err != nil {
			return fmt.Errorf("artifact %s: %w", spec.ArtifactType, err)
		}
	}
	return nil
}

func (d *Dispatcher) persistArtifact(ctx context.Context, run *types.Run, rc *registry.RunContext, spec types.ArtifactSpec) error {
	storedInSQL := spec.StoredInSQL
	mirrored := spec.MirroredToLake
	if !storedInSQL && !mirrored {
		storedInSQL = true
	}
	// Dry runs leave no trace in the lake; everything stays inline where a
	// later cleanup can find it by run id.
	if rc.DryRun() && mirrored {
		mirrored = false
		storedInSQL = true
	}

	artifact := &types.Artifact{
		RunID:           run.RunID,
		ArtifactType:    spec.ArtifactType,
		ContentMIMEType: spec.MIMEType,
		ContentSHA256:   canonical.HashBytes(spec.Content),
		ByteCount:       int64(len(spec.Content)),
		StoredInSQL:     storedInSQL,
		MirroredToLake:  mirrored,
		Metadata:        spec.Metadata,
	}
	if storedInSQL {
		artifact.Content = spec.Content
	}

	if mirrored {
		lakePath := lake.RunArtifactPath(run.StartedAt, run.RunID,
			string(spec.ArtifactType), lake.ExtForMIME(spec.MIMEType))
		result, err := d.lake.Put(ctx, lakePath, spec.Content)
		if err != nil {
			d.collector.IncLakeWriteFailure()
			return fmt.Errorf("failed to write to lake: %w", err)
		}
		switch result.Status {
		case lake.StatusWritten:
			d.collector.IncLakeWriteSuccess()
		case lake.StatusSkipped:
			d.collector.IncLakeWriteSkipped()
		}
		artifact.LakeURI = result.LakeURI
	}

	if err := artifact.Validate(); err != nil {
		return err
	}
	return d.store.InsertArtifact(ctx, artifact)
}
