package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/lakegate/lakegate/pkg/engine"
)

// MergeBranch merges Source into Target with a three-way table comparison
// against the commit Source was forked from.
//
// A table changed on one side only takes that side's version. A table changed
// on both sides merges when both sides only appended distinct files to the
// same generation of the table; anything else is a conflict. The target must
// still point at ExpectedHead when it is set. A successful merge always adds
// one merge commit to the target.
func (c *Catalog) MergeBranch(ctx context.Context, req engine.MergeRequest) (*engine.MergeOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	src, ok := c.branches[req.Source]
	if !ok {
		return nil, engine.ErrRefNotFound(req.Source).WithOperation("merge")
	}
	dst, ok := c.branches[req.Target]
	if !ok {
		return nil, engine.ErrRefNotFound(req.Target).WithOperation("merge")
	}
	if req.ExpectedHead != "" && dst.Head != req.ExpectedHead {
		return nil, engine.ErrHeadChanged(req.Target, req.ExpectedHead, dst.Head)
	}

	base := c.commits[src.Base]
	theirs := c.commits[src.Head]
	ours := c.commits[dst.Head]

	cm := c.newCommit([]string{ours.ID, theirs.ID}, fmt.Sprintf("merge %s into %s", req.Source, req.Target), nil)
	merged, conflicts := mergeTables(base.Tables, ours.Tables, theirs.Tables, cm.ID)
	if len(conflicts) > 0 {
		delete(c.commits, cm.ID)
		return nil, engine.ErrMergeConflict(req.Source, req.Target, conflicts)
	}
	cm.Tables = merged

	if err := c.advance(dst, cm); err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("source", req.Source).
		Str("target", req.Target).
		Str("head", cm.ID).
		Msg("branch merged")

	return &engine.MergeOutcome{Head: cm.ID}, nil
}

func mergeTables(base, ours, theirs map[string]*tableState, commitID string) (map[string]*tableState, []string) {
	keys := make(map[string]struct{}, len(ours)+len(theirs))
	for k := range base {
		keys[k] = struct{}{}
	}
	for k := range ours {
		keys[k] = struct{}{}
	}
	for k := range theirs {
		keys[k] = struct{}{}
	}

	merged := make(map[string]*tableState, len(keys))
	var conflicts []string
	for k := range keys {
		b, o, t := base[k], ours[k], theirs[k]
		oursChanged := version(o) != version(b)
		theirsChanged := version(t) != version(b)

		var result *tableState
		switch {
		case !theirsChanged:
			result = o
		case !oursChanged:
			result = t
		case version(o) == version(t):
			result = o
		default:
			var ok bool
			result, ok = mergeAppends(b, o, t, commitID)
			if !ok {
				conflicts = append(conflicts, k)
				continue
			}
		}
		if result != nil {
			merged[k] = result
		}
	}

	sort.Strings(conflicts)
	return merged, conflicts
}

// mergeAppends combines two versions that both only appended files to base.
func mergeAppends(base, ours, theirs *tableState, commitID string) (*tableState, bool) {
	if base == nil || ours == nil || theirs == nil {
		return nil, false
	}
	if ours.Generation != base.Generation || theirs.Generation != base.Generation {
		return nil, false
	}
	if !hasPrefixFiles(ours, base) || !hasPrefixFiles(theirs, base) {
		return nil, false
	}

	out := *ours
	out.Version = commitID
	out.Files = append([]tableFile(nil), ours.Files...)
	for _, f := range theirs.Files[len(base.Files):] {
		if ours.hasFile(f.URI) {
			return nil, false
		}
		out.Files = append(out.Files, f)
	}
	return &out, true
}

func hasPrefixFiles(t, base *tableState) bool {
	if len(t.Files) < len(base.Files) {
		return false
	}
	for i, f := range base.Files {
		if t.Files[i].URI != f.URI {
			return false
		}
	}
	return true
}

func version(t *tableState) string {
	if t == nil {
		return ""
	}
	return t.Version
}
