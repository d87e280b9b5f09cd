package dataset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"spectroscopy/pkg/domain"
	"spectroscopy/pkg/formats"
)

// Read imports the raw file at path with the reader registered for format
// and returns the ids of the primary entities it produced (RawData for
// spectrometer formats). Either every record of the file is stored or none.
func (d *Dataset) Read(ctx context.Context, path, format string, opts formats.Options) ([]string, error) {
	return d.ReadSource(ctx, formats.Source{Path: path}, format, opts)
}

// ReadSource is Read for in-memory input.
func (d *Dataset) ReadSource(ctx context.Context, src formats.Source, format string, opts formats.Options) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	err := d.observe(ctx, "read", domain.EntityRawData, func(ctx context.Context) (string, error) {
		if err := d.check("read", true); err != nil {
			return "", err
		}
		var err error
		ids, err = d.importSource(ctx, src, format, opts)
		if err != nil || len(ids) == 0 {
			return "", err
		}
		return ids[0], nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (d *Dataset) importSource(ctx context.Context, src formats.Source, format string, opts formats.Options) ([]string, error) {
	plugin, err := d.formats.Lookup(format)
	if err != nil {
		return nil, err
	}
	data, err := src.Load()
	if err != nil {
		return nil, &domain.ParseError{Format: plugin.Format(), Path: src.Path, Err: err}
	}
	im, err := plugin.Read(ctx, formats.Source{Path: src.Path, Data: data}, opts)
	if err != nil {
		return nil, err
	}
	if len(im.Primary()) == 0 {
		return nil, &domain.ParseError{Format: plugin.Format(), Path: src.Path, Err: fmt.Errorf("no records")}
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	var key string
	if d.archive != nil {
		key = d.archive.Key(data)
	}

	l := d.newLinker()
	refs := make(map[string]string, len(im.Records))
	entities := make([]domain.Entity, 0, len(im.Records))
	for _, rec := range im.Records {
		if _, dup := refs[rec.Ref]; dup && rec.Ref != "" {
			return nil, &domain.ParseError{Format: plugin.Format(), Path: src.Path, Err: fmt.Errorf("record %s produced twice", rec.Ref)}
		}
		fields := rec.Fields.Clone()
		if rec.Type == domain.EntityRawData {
			fields["source_sha256"] = digest
			if key != "" {
				fields["source_key"] = key
			}
		}
		e, err := d.build(rec.Type, fields)
		if err != nil {
			return nil, err
		}
		if rec.Ref != "" {
			refs[rec.Ref] = e.ID
		}
		l.stage(e)
		entities = append(entities, e)
	}

	batch := domain.Batch{Entities: entities}
	var primary []string
	for i, rec := range im.Records {
		links := make(map[domain.EdgeType][]string, len(rec.Links))
		for edge, targets := range rec.Links {
			for _, t := range targets {
				if id, ok := refs[t]; ok {
					t = id
				}
				links[edge] = append(links[edge], t)
			}
		}
		edges, err := l.edges(ctx, entities[i], links, map[domain.EdgeType]int{})
		if err != nil {
			return nil, err
		}
		batch.Edges = append(batch.Edges, edges...)
		if rec.Primary {
			primary = append(primary, entities[i].ID)
			if d.pedantic {
				if err := d.checkDuplicate(ctx, entities[i]); err != nil {
					return nil, err
				}
			}
		}
	}
	if d.archive != nil {
		archived, err := d.archive.Archive(ctx, src.Path, data)
		if err != nil {
			return nil, err
		}
		if archived != key {
			return nil, fmt.Errorf("archive stored %s under %s, expected %s", src.Path, archived, key)
		}
	}
	if err := d.driver.WriteBatch(ctx, batch); err != nil {
		return nil, err
	}
	d.dirty = true
	d.obs.Logger.Info("raw data imported", "format", plugin.Format(), "path", src.Path, "records", len(entities), "archive", key)
	return primary, nil
}
