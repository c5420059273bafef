// Package runindex merges per-file structural indices into one
// train-ordered logical catalogue of a run: source → key → locators.
//
// A RunIndex owns no raw data. It is immutable once built and may be shared
// freely across goroutines.
package runindex

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/traindex/traindex/exdf"
	"github.com/traindex/traindex/model"
)

// RunIndex is the merged, train-ordered catalogue of a run.
type RunIndex struct {
	files    []*exdf.FileIndex
	trains   *roaring64.Bitmap
	datasets map[model.SourceKey]*datasetEntry
}

// datasetEntry tracks which files contribute to one dataset, in merge order.
type datasetEntry struct {
	dtype       model.DType
	shape       model.Shape
	compression model.Compression
	kind        exdf.DatasetKind
	fileIdx     []int
}

// Merge builds a RunIndex from per-file indices. Entries are stable-sorted
// by first train ID, then by path for ties. For every dataset observed in
// more than one file for the same train, per-train record counts (and the
// dataset's type and shape) must agree; disagreement is a hard
// [ErrInconsistentIndex], never a silent merge.
func Merge(entries []*exdf.FileIndex) (*RunIndex, error) {
	files := make([]*exdf.FileIndex, 0, len(entries))
	for _, e := range entries {
		if e != nil {
			files = append(files, e)
		}
	}
	sort.SliceStable(files, func(i, j int) bool {
		fi, iok := files[i].FirstTrain()
		fj, jok := files[j].FirstTrain()
		switch {
		case iok != jok:
			return !iok // empty files sort first
		case fi != fj:
			return fi < fj
		}
		return files[i].Path < files[j].Path
	})

	idx := &RunIndex{
		files:    files,
		trains:   roaring64.New(),
		datasets: make(map[model.SourceKey]*datasetEntry),
	}

	// seen tracks, per dataset, the count each train was first recorded
	// with and the file that recorded it.
	type firstSeen struct {
		count uint32
		file  string
	}
	seen := make(map[model.SourceKey]map[model.TrainID]firstSeen)

	for fno, f := range files {
		for _, t := range f.TrainIDs {
			idx.trains.Add(uint64(t))
		}
		for _, d := range f.Datasets {
			entry, ok := idx.datasets[d.SourceKey]
			if !ok {
				entry = &datasetEntry{
					dtype:       d.DType,
					shape:       d.Shape,
					compression: d.Compression,
					kind:        d.Kind,
				}
				idx.datasets[d.SourceKey] = entry
				seen[d.SourceKey] = make(map[model.TrainID]firstSeen)
			} else if entry.dtype != d.DType || !entry.shape.Equal(d.Shape) {
				prev := files[entry.fileIdx[0]].Path
				return nil, &InconsistencyError{
					SourceKey: d.SourceKey,
					FileA:     prev,
					FileB:     f.Path,
					Detail: fmt.Sprintf("dtype/shape %s%s vs %s%s",
						entry.dtype, entry.shape, d.DType, d.Shape),
				}
			}
			entry.fileIdx = append(entry.fileIdx, fno)

			counts := seen[d.SourceKey]
			for k, t := range f.TrainIDs {
				if prev, dup := counts[t]; dup {
					if prev.count != d.Counts[k] {
						return nil, &InconsistencyError{
							SourceKey: d.SourceKey,
							Train:     t,
							FileA:     prev.file,
							FileB:     f.Path,
							Detail: fmt.Sprintf("record count %d vs %d",
								prev.count, d.Counts[k]),
						}
					}
					continue
				}
				counts[t] = firstSeen{count: d.Counts[k], file: f.Path}
			}
		}
	}

	return idx, nil
}

// Files returns the constituent file indices in merge order. The returned
// slice is a copy; the indices themselves are shared and immutable.
func (r *RunIndex) Files() []*exdf.FileIndex {
	out := make([]*exdf.FileIndex, len(r.files))
	copy(out, r.files)
	return out
}

// Sources returns the sorted set of source names in the run.
func (r *RunIndex) Sources() []string {
	set := make(map[string]struct{})
	for sk := range r.datasets {
		set[sk.Source] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// KeysFor returns the sorted keys of one source, or nil if the source does
// not exist in the run.
func (r *RunIndex) KeysFor(source string) []string {
	var out []string
	for sk := range r.datasets {
		if sk.Source == source {
			out = append(out, sk.Key)
		}
	}
	sort.Strings(out)
	return out
}

// SourceKeys returns every dataset in the run, sorted.
func (r *RunIndex) SourceKeys() []model.SourceKey {
	out := make([]model.SourceKey, 0, len(r.datasets))
	for sk := range r.datasets {
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// TrainIDs returns the strictly ordered, duplicate-free union of all
// constituent files' train IDs.
func (r *RunIndex) TrainIDs() []model.TrainID {
	raw := r.trains.ToArray()
	out := make([]model.TrainID, len(raw))
	for i, t := range raw {
		out[i] = model.TrainID(t)
	}
	return out
}

// TrainBitmap returns a copy of the run's train-ID set.
func (r *RunIndex) TrainBitmap() *roaring64.Bitmap {
	return r.trains.Clone()
}

// DatasetInfo describes the fixed properties of one dataset across the run.
type DatasetInfo struct {
	SourceKey   model.SourceKey
	DType       model.DType
	Shape       model.Shape
	Compression model.Compression
	Kind        exdf.DatasetKind
}

// Info returns the dataset's run-wide type and shape.
func (r *RunIndex) Info(sk model.SourceKey) (DatasetInfo, error) {
	entry, err := r.entry(sk)
	if err != nil {
		return DatasetInfo{}, err
	}
	return DatasetInfo{
		SourceKey:   sk,
		DType:       entry.dtype,
		Shape:       entry.shape,
		Compression: entry.compression,
		Kind:        entry.kind,
	}, nil
}

// Locate returns the byte-range locator of one train's entries for the
// given dataset.
//
// Absence of a specific train under a valid dataset is [ErrNoSuchTrain];
// a dataset that never exists in the run is [ErrNoSuchSource] or
// [ErrNoSuchKey], so the two conditions are distinguishable.
func (r *RunIndex) Locate(source, key string, train model.TrainID) (model.Locator, error) {
	entry, err := r.entry(model.SourceKey{Source: source, Key: key})
	if err != nil {
		return model.Locator{}, err
	}
	sk := model.SourceKey{Source: source, Key: key}
	for _, fno := range entry.fileIdx {
		f := r.files[fno]
		k, ok := f.TrainIndex(train)
		if !ok {
			continue
		}
		d, _ := f.Dataset(sk)
		return d.Locator(f.Path, k), nil
	}
	return model.Locator{}, fmt.Errorf("%w: %s train %d", ErrNoSuchTrain, sk, train)
}

// TrainCount pairs a train with its entry count for one dataset.
type TrainCount struct {
	Train model.TrainID
	Count uint32
}

// Counts returns (train, entry count) pairs for the dataset, in train order,
// covering every train the dataset appears for.
func (r *RunIndex) Counts(sk model.SourceKey) ([]TrainCount, error) {
	entry, err := r.entry(sk)
	if err != nil {
		return nil, err
	}
	var out []TrainCount
	for _, fno := range entry.fileIdx {
		f := r.files[fno]
		d, _ := f.Dataset(sk)
		for k, t := range f.TrainIDs {
			out = append(out, TrainCount{Train: t, Count: d.Counts[k]})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Train < out[j].Train })
	// Collapse duplicate trains (counts agree, verified at merge time).
	dedup := out[:0]
	for i, tc := range out {
		if i > 0 && tc.Train == dedup[len(dedup)-1].Train {
			continue
		}
		dedup = append(dedup, tc)
	}
	return dedup, nil
}

// FilesWith returns the file indices contributing to a dataset, in merge
// order.
func (r *RunIndex) FilesWith(sk model.SourceKey) ([]*exdf.FileIndex, error) {
	entry, err := r.entry(sk)
	if err != nil {
		return nil, err
	}
	out := make([]*exdf.FileIndex, len(entry.fileIdx))
	for i, fno := range entry.fileIdx {
		out[i] = r.files[fno]
	}
	return out, nil
}

func (r *RunIndex) entry(sk model.SourceKey) (*datasetEntry, error) {
	if entry, ok := r.datasets[sk]; ok {
		return entry, nil
	}
	for other := range r.datasets {
		if other.Source == sk.Source {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchKey, sk)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSuchSource, sk.Source)
}
