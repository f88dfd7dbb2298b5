package gateway

import (
	"context"
	"sort"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/stellardb/stellardb/master/meta"
	"github.com/stellardb/stellardb/proto"
)

type (
	// IndexUpgrader rewrites one index metadata entry to the current
	// build. Returning the input unchanged (pointer equal) means no
	// upgrade was needed.
	IndexUpgrader func(im *meta.IndexMetadata) *meta.IndexMetadata

	// TemplateUpgrader does the same for one template entry.
	TemplateUpgrader func(tm *meta.TemplateMetadata) *meta.TemplateMetadata

	// CustomsUpgrader rewrites the whole custom payload map at once so
	// a plugin can fold several legacy kinds into one. Must be
	// idempotent, the gateway reruns every upgrader on every start.
	CustomsUpgrader func(customs map[string]meta.Custom) map[string]meta.Custom

	// Upgrader brings persisted metadata written by an older build up
	// to the current schema before the node exposes it.
	Upgrader struct {
		indexUpgraders    []IndexUpgrader
		templateUpgraders []TemplateUpgrader
		customsUpgraders  []CustomsUpgrader
	}
)

func NewUpgrader() *Upgrader {
	u := &Upgrader{}
	u.RegisterIndexUpgrader(markUpgradedVersion)
	return u
}

func (u *Upgrader) RegisterIndexUpgrader(fn IndexUpgrader) {
	u.indexUpgraders = append(u.indexUpgraders, fn)
}

func (u *Upgrader) RegisterTemplateUpgrader(fn TemplateUpgrader) {
	u.templateUpgraders = append(u.templateUpgraders, fn)
}

func (u *Upgrader) RegisterCustomsUpgrader(fn CustomsUpgrader) {
	u.customsUpgraders = append(u.customsUpgraders, fn)
}

// Upgrade runs every registered upgrader over the loaded metadata.
// When nothing changes the input snapshot comes back untouched, so a
// second pass over already upgraded metadata is a no-op and the
// version number stays put.
func (u *Upgrader) Upgrade(ctx context.Context, md *meta.ClusterMetadata) *meta.ClusterMetadata {
	span := trace.SpanFromContextSafe(ctx)

	b := meta.NewBuilder(md)
	changed := false

	// deterministic iteration keeps upgrade logs comparable between runs
	indices := md.Indices()
	for _, name := range sortedIndexNames(indices) {
		im := indices[name]
		upgraded := im
		for _, fn := range u.indexUpgraders {
			upgraded = fn(upgraded)
		}
		if upgraded == im {
			continue
		}
		b.RemoveIndex(name)
		b.PutIndex(upgraded)
		changed = true
		span.Infof("upgraded index metadata [%s] to %s", name, upgraded.UpgradedVersion)
	}

	for name, tm := range md.Templates() {
		upgraded := tm
		for _, fn := range u.templateUpgraders {
			upgraded = fn(upgraded)
		}
		if upgraded == tm {
			continue
		}
		b.RemoveTemplate(name)
		b.PutTemplate(upgraded)
		changed = true
	}

	customs := md.Customs()
	upgradedCustoms := customs
	for _, fn := range u.customsUpgraders {
		upgradedCustoms = fn(upgradedCustoms)
	}
	if !sameCustoms(customs, upgradedCustoms) {
		for kind := range customs {
			b.RemoveCustom(kind)
		}
		for _, c := range upgradedCustoms {
			b.PutCustom(c)
		}
		changed = true
		span.Info("upgraded custom metadata payloads")
	}

	if !changed {
		return md
	}
	return b.Build()
}

// markUpgradedVersion stamps the current build version on every index
// last touched by an older one.
func markUpgradedVersion(im *meta.IndexMetadata) *meta.IndexMetadata {
	if im.UpgradedVersion.OnOrAfter(proto.CurrentVersion) {
		return im
	}
	cp := im.Clone()
	cp.UpgradedVersion = proto.CurrentVersion
	return cp
}

func sortedIndexNames(indices map[string]*meta.IndexMetadata) []string {
	names := make([]string, 0, len(indices))
	for name := range indices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sameCustoms(a, b map[string]meta.Custom) bool {
	if len(a) != len(b) {
		return false
	}
	for kind, c := range a {
		oc, ok := b[kind]
		if !ok || oc != c {
			return false
		}
	}
	return true
}
