// Package view implements immutable logical views over a run index.
//
// A View is a pure metadata value: (run index reference, selected dataset
// set, selected train set). Every operation returns a new View sharing the
// underlying RunIndex by reference — this is what keeps any two Views over
// the same run directly comparable and unionable — and no operation ever
// touches raw data.
package view

import (
	"errors"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/traindex/traindex/internal/globpat"
	"github.com/traindex/traindex/model"
	"github.com/traindex/traindex/runindex"
)

// ErrIncompatibleRunIndex is returned when combining views that reference
// different underlying runs.
var ErrIncompatibleRunIndex = errors.New("views reference different run indices")

// View is an immutable selection over a RunIndex.
type View struct {
	run    *runindex.RunIndex
	sel    map[model.SourceKey]struct{}
	trains *roaring64.Bitmap
}

// TrainRange selects trains in [From, To], inclusive.
type TrainRange struct {
	From model.TrainID
	To   model.TrainID
}

// New returns the all-selected view of a run: every dataset, every train.
func New(run *runindex.RunIndex) *View {
	sel := make(map[model.SourceKey]struct{})
	for _, sk := range run.SourceKeys() {
		sel[sk] = struct{}{}
	}
	v := &View{run: run, sel: sel, trains: run.TrainBitmap()}
	return v.normalized()
}

// Run returns the underlying run index.
func (v *View) Run() *runindex.RunIndex { return v.run }

// Select returns a view restricted to the datasets matching the glob
// patterns (see internal/globpat for the dialect; an empty key pattern
// means "*"). Patterns matching nothing yield an empty but valid view.
func (v *View) Select(srcPat, keyPat string) *View {
	if keyPat == "" {
		keyPat = "*"
	}
	out := v.clone()
	for sk := range out.sel {
		if !globpat.Match(srcPat, sk.Source) || !globpat.Match(keyPat, sk.Key) {
			delete(out.sel, sk)
		}
	}
	return out.normalized()
}

// Deselect returns a view with the matching datasets removed.
func (v *View) Deselect(srcPat, keyPat string) *View {
	if keyPat == "" {
		keyPat = "*"
	}
	out := v.clone()
	for sk := range out.sel {
		if globpat.Match(srcPat, sk.Source) && globpat.Match(keyPat, sk.Key) {
			delete(out.sel, sk)
		}
	}
	return out.normalized()
}

// Union combines two views over the same run: the union of their dataset
// sets and the union of their train sets. Union is commutative and
// associative, and unioning a view with itself returns an equal view.
func (v *View) Union(other *View) (*View, error) {
	if v.run != other.run {
		return nil, ErrIncompatibleRunIndex
	}
	out := v.clone()
	for sk := range other.sel {
		out.sel[sk] = struct{}{}
	}
	out.trains.Or(other.trains)
	return out.normalized(), nil
}

// SelectTrains restricts the train axis to the given inclusive ranges,
// preserving the original relative ordering.
func (v *View) SelectTrains(ranges ...TrainRange) *View {
	keep := roaring64.New()
	for _, r := range ranges {
		if r.To < r.From {
			continue
		}
		// AddRange is exclusive of the upper bound.
		keep.AddRange(uint64(r.From), uint64(r.To)+1)
	}
	out := v.clone()
	out.trains.And(keep)
	return out.normalized()
}

// SelectTrainsFunc restricts the train axis to trains satisfying pred.
func (v *View) SelectTrainsFunc(pred func(model.TrainID) bool) *View {
	out := v.clone()
	it := v.trains.Iterator()
	for it.HasNext() {
		t := it.Next()
		if !pred(model.TrainID(t)) {
			out.trains.Remove(t)
		}
	}
	return out.normalized()
}

// Contains reports whether the dataset is part of the view.
func (v *View) Contains(sk model.SourceKey) bool {
	_, ok := v.sel[sk]
	return ok
}

// SourceKeys returns the selected datasets, sorted.
func (v *View) SourceKeys() []model.SourceKey {
	out := make([]model.SourceKey, 0, len(v.sel))
	for sk := range v.sel {
		out = append(out, sk)
	}
	sortSourceKeys(out)
	return out
}

// Sources returns the sorted distinct source names in the view.
func (v *View) Sources() []string {
	set := make(map[string]struct{})
	for sk := range v.sel {
		set[sk.Source] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// TrainIDs returns the selected trains in ascending order.
func (v *View) TrainIDs() []model.TrainID {
	raw := v.trains.ToArray()
	out := make([]model.TrainID, len(raw))
	for i, t := range raw {
		out[i] = model.TrainID(t)
	}
	return out
}

// ContainsTrain reports whether the train is selected.
func (v *View) ContainsTrain(t model.TrainID) bool {
	return v.trains.Contains(uint64(t))
}

// NumTrains returns the number of selected trains.
func (v *View) NumTrains() int {
	return int(v.trains.GetCardinality())
}

// DataCounts returns (train, entry count) pairs for a selected dataset,
// restricted to the view's trains, in train order.
func (v *View) DataCounts(source, key string) ([]runindex.TrainCount, error) {
	sk := model.SourceKey{Source: source, Key: key}
	if !v.Contains(sk) {
		for other := range v.sel {
			if other.Source == source {
				return nil, fmt.Errorf("%w: %s", runindex.ErrNoSuchKey, sk)
			}
		}
		return nil, fmt.Errorf("%w: %s", runindex.ErrNoSuchSource, source)
	}
	all, err := v.run.Counts(sk)
	if err != nil {
		return nil, err
	}
	out := make([]runindex.TrainCount, 0, len(all))
	for _, tc := range all {
		if v.trains.Contains(uint64(tc.Train)) {
			out = append(out, tc)
		}
	}
	return out, nil
}

// Equal reports whether two views select the same datasets and trains over
// the same run.
func (v *View) Equal(other *View) bool {
	if v.run != other.run || len(v.sel) != len(other.sel) {
		return false
	}
	for sk := range v.sel {
		if _, ok := other.sel[sk]; !ok {
			return false
		}
	}
	return v.trains.Equals(other.trains)
}

func (v *View) clone() *View {
	sel := make(map[model.SourceKey]struct{}, len(v.sel))
	for sk := range v.sel {
		sel[sk] = struct{}{}
	}
	return &View{run: v.run, sel: sel, trains: v.trains.Clone()}
}

// normalized drops datasets with no file intersecting the selected trains,
// so a view never carries dangling empty bindings.
func (v *View) normalized() *View {
	for sk := range v.sel {
		files, err := v.run.FilesWith(sk)
		if err != nil {
			delete(v.sel, sk)
			continue
		}
		alive := false
		for _, f := range files {
			for _, t := range f.TrainIDs {
				if v.trains.Contains(uint64(t)) {
					alive = true
					break
				}
			}
			if alive {
				break
			}
		}
		if !alive {
			delete(v.sel, sk)
		}
	}
	return v
}

func sortSourceKeys(s []model.SourceKey) {
	sort.Slice(s, func(i, j int) bool { return s[i].Compare(s[j]) < 0 })
}
