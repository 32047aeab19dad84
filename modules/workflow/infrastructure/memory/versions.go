package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/iota-uz/regflow/modules/workflow/domain/failures"
	"github.com/iota-uz/regflow/modules/workflow/domain/version"
)

type versionRepo struct{ s *Store }

func (r versionRepo) Head(ctx context.Context, key version.Key) (*version.Head, error) {
	var out *version.Head
	err := r.s.use(ctx, func(st *state) error {
		if h, ok := st.heads[key]; ok {
			out = &h
		}
		return nil
	})
	return out, err
}

func (r versionRepo) Insert(ctx context.Context, v *version.Version) error {
	return r.s.use(ctx, func(st *state) error {
		if _, dup := st.versions[v.ID]; dup {
			return failures.ErrConcurrentUpdate
		}
		for _, existing := range st.versions {
			if existing.Key() == v.Key() && existing.VersionNumber == v.VersionNumber {
				return failures.ErrConcurrentUpdate
			}
		}
		stored := v.Clone()
		stored.IsLatest = false
		st.versions[v.ID] = stored
		return nil
	})
}

func (r versionRepo) MoveHead(ctx context.Context, key version.Key, expected *uuid.UUID, next *version.Version) error {
	return r.s.use(ctx, func(st *state) error {
		cur, ok := st.heads[key]
		switch {
		case expected == nil && ok:
			return failures.ErrConcurrentUpdate
		case expected != nil && (!ok || cur.VersionID != *expected):
			return failures.ErrConcurrentUpdate
		}
		st.heads[key] = version.Head{Key: key, VersionID: next.ID, VersionNumber: next.VersionNumber}
		return nil
	})
}

func (r versionRepo) Update(ctx context.Context, v *version.Version, expected version.Status) error {
	return r.s.use(ctx, func(st *state) error {
		stored, ok := st.versions[v.ID]
		if !ok {
			return failures.NotFound("version", v.ID.String())
		}
		if stored.Status != expected {
			return failures.ErrConcurrentUpdate
		}
		if stored.Status == version.StatusApproved {
			return failures.InvalidState("version %s is approved and immutable", v.ID)
		}
		stored.Status = v.Status
		stored.Preparer = v.Preparer
		stored.Approver = v.Approver
		stored.AutoApproved = v.AutoApproved
		stored.UpdatedAt = v.UpdatedAt
		return nil
	})
}

func latest(st *state, v *version.Version) *version.Version {
	out := v.Clone()
	h, ok := st.heads[v.Key()]
	out.IsLatest = ok && h.VersionID == v.ID
	return out
}

func (r versionRepo) Get(ctx context.Context, id uuid.UUID) (*version.Version, error) {
	var out *version.Version
	err := r.s.use(ctx, func(st *state) error {
		v, ok := st.versions[id]
		if !ok {
			return failures.NotFound("version", id.String())
		}
		out = latest(st, v)
		return nil
	})
	return out, err
}

func (r versionRepo) Latest(ctx context.Context, key version.Key) (*version.Version, error) {
	var out *version.Version
	err := r.s.use(ctx, func(st *state) error {
		if h, ok := st.heads[key]; ok {
			out = latest(st, st.versions[h.VersionID])
		}
		return nil
	})
	return out, err
}

func byKey(st *state, key version.Key) []*version.Version {
	var out []*version.Version
	for _, v := range st.versions {
		if v.Key() == key {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out
}

func (r versionRepo) LatestApproved(ctx context.Context, key version.Key) (*version.Version, error) {
	var out *version.Version
	err := r.s.use(ctx, func(st *state) error {
		for _, v := range byKey(st, key) {
			if v.Status == version.StatusApproved {
				out = latest(st, v)
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (r versionRepo) History(ctx context.Context, key version.Key, before, limit int) ([]*version.Version, error) {
	var out []*version.Version
	err := r.s.use(ctx, func(st *state) error {
		for _, v := range byKey(st, key) {
			if before > 0 && v.VersionNumber >= before {
				continue
			}
			out = append(out, latest(st, v))
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (r versionRepo) AppendDecision(ctx context.Context, rec *version.DecisionRecord) error {
	return r.s.use(ctx, func(st *state) error {
		c := *rec
		st.decisions = append(st.decisions, &c)
		return nil
	})
}

func (r versionRepo) ListDecisions(ctx context.Context, versionID uuid.UUID) ([]*version.DecisionRecord, error) {
	var out []*version.DecisionRecord
	err := r.s.use(ctx, func(st *state) error {
		for _, d := range st.decisions {
			if d.VersionID == versionID {
				c := *d
				out = append(out, &c)
			}
		}
		return nil
	})
	return out, err
}
