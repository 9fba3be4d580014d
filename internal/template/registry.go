package template

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/caseflow/model"
)

// snapshot is an immutable index of compiled templates.
type snapshot struct {
	byType   map[string]*versions
	checksum string
}

type versions struct {
	latest string
	byID   map[string]*Compiled
}

// Registry is a read-optimized, thread-safe store of compiled templates.
// Several versions of a type coexist so that applications keep running on
// the version they were created with during a rollout.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given templates.
func NewRegistry(tmpls []*Compiled) *Registry {
	r := &Registry{}
	r.Replace(tmpls)
	return r
}

// Replace atomically swaps the registry contents.
func (r *Registry) Replace(tmpls []*Compiled) {
	s := &snapshot{byType: make(map[string]*versions)}
	var parts []string
	for _, t := range tmpls {
		vs, ok := s.byType[t.TypeID()]
		if !ok {
			vs = &versions{byID: make(map[string]*Compiled)}
			s.byType[t.TypeID()] = vs
		}
		vs.byID[t.Version()] = t
		if vs.latest == "" || compareVersions(t.Version(), vs.latest) > 0 {
			vs.latest = t.Version()
		}
		parts = append(parts, t.Definition().Checksum)
	}
	sort.Strings(parts)
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))
	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the template of typeID at version. An empty version resolves
// to the latest one.
func (r *Registry) Get(typeID, version string) (*Compiled, bool) {
	vs, ok := r.current().byType[typeID]
	if !ok {
		return nil, false
	}
	if version == "" {
		version = vs.latest
	}
	t, ok := vs.byID[version]
	return t, ok
}

// Latest returns the newest version of typeID.
func (r *Registry) Latest(typeID string) (*Compiled, bool) {
	return r.Get(typeID, "")
}

// Len returns the number of registered template versions.
func (r *Registry) Len() int {
	n := 0
	for _, vs := range r.current().byType {
		n += len(vs.byID)
	}
	return n
}

// Infos describes every registered type, sorted by type.
func (r *Registry) Infos() []model.TemplateInfo {
	s := r.current()
	out := make([]model.TemplateInfo, 0, len(s.byType))
	for typeID, vs := range s.byType {
		info := model.TemplateInfo{Type: typeID, Latest: vs.latest, Name: vs.byID[vs.latest].Name()}
		for v := range vs.byID {
			info.Versions = append(info.Versions, v)
		}
		sort.Slice(info.Versions, func(i, j int) bool {
			return compareVersions(info.Versions[i], info.Versions[j]) < 0
		})
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Checksum returns the combined checksum of all loaded templates.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

// compareVersions orders dotted versions segment by segment, numerically
// when both segments are numbers and lexically otherwise.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		if i >= len(as) {
			return -1
		}
		if i >= len(bs) {
			return 1
		}
		x, errX := strconv.Atoi(as[i])
		y, errY := strconv.Atoi(bs[i])
		if errX == nil && errY == nil {
			if x != y {
				if x < y {
					return -1
				}
				return 1
			}
			continue
		}
		if c := strings.Compare(as[i], bs[i]); c != 0 {
			return c
		}
	}
	return 0
}
