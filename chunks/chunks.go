// Package chunks turns a view's selection into independently fetchable
// chunk descriptors and explicit reduction graphs over them. Descriptors
// and graphs are plain data: an external scheduler can serialize, shard
// and restart them without re-running the planning step.
package chunks

import (
	"sort"

	"github.com/traindex/traindex/model"
	"github.com/traindex/traindex/view"
)

// FromView computes the chunk descriptors covering one dataset of a view.
//
// One descriptor covers a maximal span of consecutive selected trains
// within a single file; block-compressed datasets get one descriptor per
// train so each chunk remains independently decodable. Concatenating the
// chunks in order yields the entry axis in global train order: a span never
// runs past a selected train that lives in another file. The result is
// deterministic for a given view: calling it again, or on a restored copy
// of the view, yields the same descriptors in the same order.
func FromView(v *view.View, source, key string) ([]model.ChunkDescriptor, error) {
	sk := model.SourceKey{Source: source, Key: key}
	if _, err := v.DataCounts(source, key); err != nil {
		return nil, err
	}
	run := v.Run()
	info, err := run.Info(sk)
	if err != nil {
		return nil, err
	}
	files, err := run.FilesWith(sk)
	if err != nil {
		return nil, err
	}

	// Position of every selected train in the dataset's global train order.
	// A span may not run past a selected train held by another file, or the
	// concatenated entry axis would leave train order.
	pos := make(map[model.TrainID]int)
	for _, f := range files {
		if _, ok := f.Dataset(sk); !ok {
			continue
		}
		for _, t := range f.TrainIDs {
			if v.ContainsTrain(t) {
				pos[t] = 0
			}
		}
	}
	ordered := make([]model.TrainID, 0, len(pos))
	for t := range pos {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(a, b int) bool { return ordered[a] < ordered[b] })
	for i, t := range ordered {
		pos[t] = i
	}

	perTrain := info.Compression != model.CompressionNone
	claimed := make(map[model.TrainID]struct{})
	var out []model.ChunkDescriptor
	for _, f := range files {
		d, ok := f.Dataset(sk)
		if !ok {
			continue
		}
		for i := 0; i < len(f.TrainIDs); {
			t := f.TrainIDs[i]
			if _, dup := claimed[t]; dup || !v.ContainsTrain(t) {
				i++
				continue
			}
			j := i + 1
			if !perTrain {
				for j < len(f.TrainIDs) {
					t := f.TrainIDs[j]
					if _, dup := claimed[t]; dup || !v.ContainsTrain(t) {
						break
					}
					if pos[t] != pos[f.TrainIDs[j-1]]+1 {
						break
					}
					j++
				}
			}
			for k := i; k < j; k++ {
				claimed[f.TrainIDs[k]] = struct{}{}
			}

			first := d.Locator(f.Path, i)
			last := d.Locator(f.Path, j-1)
			entries := uint32(0)
			for k := i; k < j; k++ {
				entries += d.Counts[k]
			}
			span := j - i
			i = j
			if entries == 0 {
				continue
			}
			out = append(out, model.ChunkDescriptor{
				Source: source,
				Key:    key,
				Shape:  append(model.Shape{uint64(entries)}, info.Shape...),
				DType:  info.DType,
				Locator: model.Locator{
					File:        f.Path,
					Offset:      first.Offset,
					Length:      last.Offset + last.Length - first.Offset,
					Compression: info.Compression,
					Entries:     entries,
				},
				FirstTrain: t,
				Trains:     span,
			})
		}
	}

	// Spans were collected file by file; order them along the train axis and
	// lay out the entry axis cumulatively. Files never claim the same train
	// twice, so FirstTrain is unique.
	sort.Slice(out, func(a, b int) bool { return out[a].FirstTrain < out[b].FirstTrain })
	var entryOffset uint64
	for i := range out {
		out[i].EntryOffset = entryOffset
		entryOffset += uint64(out[i].Locator.Entries)
	}
	return out, nil
}
