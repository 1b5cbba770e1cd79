package tsdb

import (
	"fmt"
	"sort"

	kiterrors "github.com/saxdb/saxdb/kit/errors"
	"github.com/saxdb/saxdb/models"
)

// Vantage-point candidate cutoff: the triangle-inequality window starts at
// vpInitialCutoff and doubles until enough candidates remain; past
// vpMaxCutoff every live pk is a candidate.
const (
	vpInitialCutoff = 0.125
	vpMaxCutoff     = 2.0
)

// SimilarityResult is one ranked answer of a similarity search.
type SimilarityResult struct {
	PK       string
	Distance float64
}

// InsertVP marks pk as a vantage point. The schema grows by the distance
// field d_vp_<pk>, and every stored series receives its cached distance to
// the new vantage point. The metadata heap is rewritten.
func (s *Store) InsertVP(pk string) error {
	err := s.insertVP(pk)
	s.metrics.observe("insert_vp", err)
	return err
}

func (s *Store) insertVP(pk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vpSeries, err := s.seriesOf(pk)
	if err != nil {
		return err
	}
	field := VPDistanceField(pk)
	if s.schema.HasField(field) {
		return &kiterrors.Error{
			Code: kiterrors.EAlreadyExists,
			Msg:  fmt.Sprintf("series %q is already a vantage point", pk),
		}
	}

	return s.applySchemaChange(
		func(schema *Schema) error {
			return schema.AddField(Field{Name: field, Type: FieldFloat, Index: IndexTree})
		},
		func(rowPK string, rec map[string]interface{}) error {
			rowSeries, err := s.seriesOf(rowPK)
			if err != nil {
				return err
			}
			rec[field] = models.NCCDistance(rowSeries, vpSeries)
			if rowPK == pk {
				rec[VPField] = true
			}
			return nil
		},
	)
}

// DeleteVP retires pk as a vantage point: its distance field leaves the
// schema and the metadata heap is rewritten without it.
func (s *Store) DeleteVP(pk string) error {
	s.mu.Lock()
	err := s.deleteVPLocked(pk)
	s.mu.Unlock()
	s.metrics.observe("delete_vp", err)
	return err
}

func (s *Store) deleteVPLocked(pk string) error {
	field := VPDistanceField(pk)
	if !s.schema.HasField(field) {
		return &kiterrors.Error{
			Code: kiterrors.ENotFound,
			Msg:  fmt.Sprintf("series %q is not a vantage point", pk),
		}
	}

	return s.applySchemaChange(
		func(schema *Schema) error {
			return schema.RemoveField(field)
		},
		func(rowPK string, rec map[string]interface{}) error {
			if rowPK == pk {
				rec[VPField] = false
			}
			return nil
		},
	)
}

// VantagePoints returns the pks currently marked as vantage points, in
// lexical order.
func (s *Store) VantagePoints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vantagePointsLocked()
}

func (s *Store) vantagePointsLocked() []string {
	var vps []string
	for _, f := range s.schema.Fields() {
		if vp, ok := IsVPDistanceField(f.Name); ok {
			vps = append(vps, vp)
		}
	}
	sort.Strings(vps)
	return vps
}

// VPSimilaritySearch returns the top pks nearest to q under the normalized
// cross-correlation distance. Candidates are pruned per vantage point by
// the triangle inequality over the cached distances, then refined exactly.
func (s *Store) VPSimilaritySearch(q models.TimeSeries, top int) ([]SimilarityResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results, err := s.vpSearchLocked(q, top)
	s.metrics.observe("vp_similarity_search", err)
	return results, err
}

func (s *Store) vpSearchLocked(q models.TimeSeries, top int) ([]SimilarityResult, error) {
	if top <= 0 {
		return nil, &kiterrors.Error{Code: kiterrors.EInvalid, Msg: "top must be positive"}
	}
	if q.Len() != s.config.TSLength {
		return nil, &kiterrors.Error{
			Code: kiterrors.EInvalid,
			Msg:  fmt.Sprintf("query has length %d, database requires %d", q.Len(), s.config.TSLength),
		}
	}
	vps := s.vantagePointsLocked()
	if len(vps) == 0 {
		return nil, &kiterrors.Error{Code: kiterrors.EInvalid, Msg: "no vantage points defined"}
	}

	dq := make(map[string]float64, len(vps))
	for _, vp := range vps {
		vpSeries, err := s.seriesOf(vp)
		if err != nil {
			return nil, err
		}
		dq[vp] = models.NCCDistance(q, vpSeries)
	}

	candidates, err := s.vpCandidates(vps, dq, top)
	if err != nil {
		return nil, err
	}

	results := make([]SimilarityResult, 0, len(candidates))
	for _, pk := range candidates {
		ts, err := s.seriesOf(pk)
		if err != nil {
			return nil, err
		}
		results = append(results, SimilarityResult{PK: pk, Distance: models.NCCDistance(q, ts)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].PK < results[j].PK
	})
	if len(results) > top {
		results = results[:top]
	}
	return results, nil
}

// vpCandidates intersects, per vantage point, the pks whose cached
// distance lies within the cutoff window around the query's distance. The
// window doubles until at least top candidates survive or the cutoff is
// exhausted, at which point every live pk is a candidate.
func (s *Store) vpCandidates(vps []string, dq map[string]float64, top int) ([]string, error) {
	for cutoff := vpInitialCutoff; cutoff <= vpMaxCutoff; cutoff *= 2 {
		var result map[string]struct{}
		for _, vp := range vps {
			idx := s.indexes[VPDistanceField(vp)]
			if idx == nil || idx.tree == nil {
				return nil, &kiterrors.Error{
					Code: kiterrors.EInternal,
					Msg:  fmt.Sprintf("missing distance index for vantage point %q", vp),
				}
			}
			pks, err := idx.tree.Range(dq[vp]-cutoff, dq[vp]+cutoff, true, true)
			if err != nil {
				return nil, err
			}
			set := pkSet(pks)
			if result == nil {
				result = set
				continue
			}
			for pk := range result {
				if _, ok := set[pk]; !ok {
					delete(result, pk)
				}
			}
		}
		if len(result) >= top {
			pks := make([]string, 0, len(result))
			for pk := range result {
				pks = append(pks, pk)
			}
			sort.Strings(pks)
			return pks, nil
		}
	}
	return s.pk.PKs(), nil
}

// SimilaritySearch returns the approximate nearest neighbor of q from the
// tree index, with its z-normalized Euclidean distance.
func (s *Store) SimilaritySearch(q models.TimeSeries) (SimilarityResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.similaritySearchLocked(q)
	s.metrics.observe("similarity_search", err)
	return result, err
}

func (s *Store) similaritySearchLocked(q models.TimeSeries) (SimilarityResult, error) {
	if q.Len() != s.config.TSLength {
		return SimilarityResult{}, &kiterrors.Error{
			Code: kiterrors.EInvalid,
			Msg:  fmt.Sprintf("query has length %d, database requires %d", q.Len(), s.config.TSLength),
		}
	}
	pk, dist, err := s.tree.NearestNeighbor(q, s.seriesOf)
	if err != nil {
		return SimilarityResult{}, err
	}
	return SimilarityResult{PK: pk, Distance: dist}, nil
}
