// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package api exposes the core's insert, query and clustering
// operations over HTTP, implementing the Service API surface described
// in spec.md §6. It is a thin translation layer: every handler reaches
// straight into internal/service.Engine, internal/durable.Store and
// internal/cluster.Manager, and never holds state of its own.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/cgps/neighbour/internal/compressor"
	"github.com/cgps/neighbour/internal/durable"
	"github.com/cgps/neighbour/internal/mask"
	"github.com/cgps/neighbour/internal/mixture"
	"github.com/cgps/neighbour/internal/neighbourerr"
	"github.com/cgps/neighbour/internal/reference"
	"github.com/cgps/neighbour/internal/service"
)

// Server holds the collaborators every handler needs.
type Server struct {
	engine *service.Engine
	ref    *reference.Reference
	mask   *mask.Mask
	log    *zap.SugaredLogger
}

// New returns an http.Handler implementing the Service API surface over
// engine.
func New(engine *service.Engine, ref *reference.Reference, m *mask.Mask, log *zap.SugaredLogger) http.Handler {
	s := &Server{engine: engine, ref: ref, mask: m, log: log}
	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/nucleotides_excluded", s.handleNucleotidesExcluded)

	r.Route("/guids", func(r chi.Router) {
		r.Get("/", s.handleGuids)
		r.Get("/with_quality_over/{cutoff}", s.handleGuidsWithQualityOver)
		r.Get("/examination_times", s.handleExaminationTimes)
		r.Get("/beginning_with/{prefix}", s.handleGuidsBeginningWith)

		r.Route("/{guid}", func(r chi.Router) {
			r.Put("/", s.handleInsert)
			r.Get("/exists", s.handleExists)
			r.Get("/sequence", s.handleSequence)
			r.Get("/annotation/{namespace}", s.handleAnnotation)
			r.Get("/neighbours_within/{threshold}", s.handleNeighboursWithin)
		})
	})

	r.Post("/msa", s.handleMSA)

	r.Route("/clustering", func(r chi.Router) {
		r.Get("/", s.handleListPolicies)
		r.Route("/{policy}", func(r chi.Router) {
			r.Get("/change_id", s.handleChangeID)
			r.Get("/what_tested", s.handleWhatTested)
			r.Get("/guids2clusters", s.handleGuidsToClusters)
			r.Get("/cluster_ids", s.handleClusterIDs)
			r.Get("/clusters/{clusterID}", s.handleClusterMembers)
			r.Get("/clusters/{clusterID}/network", s.handleClusterNetwork)
			r.Get("/clusters/{clusterID}/mst", s.handleClusterMST)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind, ok := neighbourerr.KindOf(err)
	if ok {
		switch kind {
		case neighbourerr.InputRejected:
			status = http.StatusNotFound
		case neighbourerr.InvalidSequence:
			status = http.StatusUnprocessableEntity
		case neighbourerr.StateConflict:
			status = http.StatusConflict
		case neighbourerr.PolicyMiss:
			status = http.StatusNotFound
		case neighbourerr.TransientBackend:
			status = http.StatusServiceUnavailable
		case neighbourerr.IntegrityError:
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	status, err := s.engine.Insert(guid, raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status.String()})
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	writeJSON(w, http.StatusOK, map[string]bool{"exists": s.engine.Store().Exists(guid)})
}

func (s *Server) handleSequence(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	raw, err := s.engine.Sequence(guid)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write(raw)
}

func (s *Server) handleAnnotation(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	namespace := chi.URLParam(r, "namespace")
	dict, ok, err := s.engine.Durable().GetAnnotation(guid, namespace)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such annotation"})
		return
	}
	writeJSON(w, http.StatusOK, dict)
}

func (s *Server) handleGuids(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Store().Guids())
}

func (s *Server) handleGuidsWithQualityOver(w http.ResponseWriter, r *http.Request) {
	cutoff, err := strconv.ParseFloat(chi.URLParam(r, "cutoff"), 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid cutoff"})
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Store().GuidsWithQualityOver(cutoff))
}

func (s *Server) handleExaminationTimes(w http.ResponseWriter, r *http.Request) {
	times := s.engine.Store().ExaminationTimes()
	out := make(map[string]string, len(times))
	for g, t := range times {
		out[g] = t.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGuidsBeginningWith(w http.ResponseWriter, r *http.Request) {
	prefix := chi.URLParam(r, "prefix")
	max := 100
	if v := r.URL.Query().Get("max"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			max = n
		}
	}
	writeJSON(w, http.StatusOK, s.engine.Store().SearchPrefix(prefix, max))
}

// neighboursWithinFormat selects the shape handleNeighboursWithin
// renders its result in, mirroring durable.LinkFormat but decided by
// the caller's query string rather than stored configuration.
func neighboursWithinFormat(s string) durable.LinkFormat {
	switch s {
	case "full":
		return durable.FormatFull
	case "guid_only":
		return durable.FormatGuidOnly
	case "map":
		return durable.FormatMap
	default:
		return durable.FormatPair
	}
}

func (s *Server) handleNeighboursWithin(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	threshold, err := strconv.Atoi(chi.URLParam(r, "threshold"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid threshold"})
		return
	}
	if !s.engine.Store().Exists(guid) {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	format := neighboursWithinFormat(r.URL.Query().Get("format"))
	if qCutoff := r.URL.Query().Get("quality_cutoff"); qCutoff != "" {
		min, err := strconv.ParseFloat(qCutoff, 64)
		if err == nil {
			q, ok := s.engine.Store().Quality(guid)
			if ok && q.Proportion < min {
				writeJSON(w, http.StatusOK, []interface{}{})
				return
			}
		}
	}
	links, err := s.engine.Durable().GetLinks(guid, threshold, format)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

// msaRequest describes a multi-sequence-alignment request over either
// an explicit guid set or a policy's cluster membership.
type msaRequest struct {
	Guids         []string `json:"guids"`
	Policy        string   `json:"policy"`
	ClusterID     *int64   `json:"cluster_id"`
	UncertainType string   `json:"uncertain_type"`
}

type msaResponse struct {
	VariantSites []int                     `json:"variant_sites"`
	Aligned      map[string]string         `json:"aligned"`
	Mixture      map[string]mixture.Result `json:"mixture"`
}

func parseUncertainType(s string) mixture.UncertainBaseType {
	switch s {
	case "M":
		return mixture.M
	case "N_or_M":
		return mixture.NorM
	default:
		return mixture.N
	}
}

// handleMSA computes the variant-site alignment and the mixture test
// over either an explicit guid set or a named policy's cluster.
func (s *Server) handleMSA(w http.ResponseWriter, r *http.Request) {
	var req msaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	guids := req.Guids
	if req.Policy != "" {
		g, err := s.engine.Manager().Graph(req.Policy)
		if err != nil {
			writeError(w, err)
			return
		}
		if req.ClusterID == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cluster_id is required with policy"})
			return
		}
		for _, c := range g.Clusters() {
			if c.ID == *req.ClusterID {
				guids = c.Members
				break
			}
		}
	}
	if len(guids) < 2 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "at least two guids are required"})
		return
	}

	st := s.engine.Store()
	members := make(map[string]compressor.SymbolSets, len(guids))
	ordered := make([]compressor.SymbolSets, 0, len(guids))
	for _, guid := range guids {
		sets, ok, err := st.Materialise(guid)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such guid: " + guid})
			return
		}
		members[guid] = sets
		ordered = append(ordered, sets)
	}

	variants := mixture.VariantSites(ordered)
	positions := variants.Slice()

	population, err := st.Sample(30)
	if err != nil {
		writeError(w, err)
		return
	}
	policy := mixture.Policy{
		UncertainType: parseUncertainType(req.UncertainType),
		Criterion:     mixture.P1,
		Cutoff:        0.001,
	}
	results := mixture.Evaluate(members, population, st.GenomeLength(), policy)

	aligned := make(map[string]string, len(guids))
	for _, guid := range guids {
		raw, err := s.engine.Sequence(guid)
		if err != nil {
			writeError(w, err)
			return
		}
		col := make([]byte, len(positions))
		for i, p := range positions {
			if p < len(raw) {
				col[i] = raw[p]
			} else {
				col[i] = 'N'
			}
		}
		aligned[guid] = string(col)
	}

	writeJSON(w, http.StatusOK, msaResponse{VariantSites: positions, Aligned: aligned, Mixture: results})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Manager().Policies())
}

func (s *Server) handleChangeID(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.Manager().Graph(chi.URLParam(r, "policy"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"change_id": g.ChangeID()})
}

func (s *Server) handleWhatTested(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"policy": chi.URLParam(r, "policy")})
}

func (s *Server) handleGuidsToClusters(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.Manager().Graph(chi.URLParam(r, "policy"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make(map[string]int64)
	for _, c := range g.Clusters() {
		for _, m := range c.Members {
			out[m] = c.ID
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClusterIDs(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.Manager().Graph(chi.URLParam(r, "policy"))
	if err != nil {
		writeError(w, err)
		return
	}
	var ids []int64
	for _, c := range g.Clusters() {
		ids = append(ids, c.ID)
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleClusterMembers(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.Manager().Graph(chi.URLParam(r, "policy"))
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "clusterID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid cluster id"})
		return
	}
	for _, c := range g.Clusters() {
		if c.ID == id {
			writeJSON(w, http.StatusOK, c.Members)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such cluster"})
}

func (s *Server) handleClusterNetwork(w http.ResponseWriter, r *http.Request) {
	s.clusterEdges(w, r, false)
}

func (s *Server) handleClusterMST(w http.ResponseWriter, r *http.Request) {
	s.clusterEdges(w, r, true)
}

func (s *Server) clusterEdges(w http.ResponseWriter, r *http.Request, mstOnly bool) {
	g, err := s.engine.Manager().Graph(chi.URLParam(r, "policy"))
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "clusterID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid cluster id"})
		return
	}
	var members []string
	for _, c := range g.Clusters() {
		if c.ID == id {
			members = c.Members
			break
		}
	}
	if members == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such cluster"})
		return
	}
	if mstOnly {
		writeJSON(w, http.StatusOK, g.MST(members))
		return
	}
	type cytoscapeEdge struct {
		Source, Target string
		Distance       int
	}
	var edges []cytoscapeEdge
	seen := make(map[string]bool)
	for _, m := range members {
		for other, dist := range g.Neighbours(m) {
			key := m + "\x00" + other
			revKey := other + "\x00" + m
			if seen[key] || seen[revKey] {
				continue
			}
			seen[key] = true
			edges = append(edges, cytoscapeEdge{Source: m, Target: other, Distance: dist})
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": members, "edges": edges})
}

func (s *Server) handleNucleotidesExcluded(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mask_id":   s.mask.Hash(),
		"positions": s.mask.Positions(),
	})
}
