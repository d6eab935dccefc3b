//go:build !kernel

package pprof

import (
	"testing"

	"github.com/google/pprof/profile"
)

func TestReport(t *testing.T) {
	fnAlloc := &profile.Function{Name: "pfm.(*Manager).Alloc"}
	fnFree := &profile.Function{Name: "pfm.(*Manager).Free"}

	locAlloc := &profile.Location{Line: []profile.Line{{Function: fnAlloc}}}
	locFree := &profile.Location{Line: []profile.Line{{Function: fnFree}}}

	prof := &profile.Profile{
		Sample: []*profile.Sample{
			{Value: []int64{100}, Location: []*profile.Location{locAlloc}},
			{Value: []int64{50}, Location: []*profile.Location{locAlloc}},
			{Value: []int64{30}, Location: []*profile.Location{locFree}},
		},
	}

	got := Report(prof, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries; got %d", len(got))
	}

	if got[0].Function != fnAlloc.Name || got[0].Value != 150 {
		t.Errorf("expected top entry {%s, 150}; got %+v", fnAlloc.Name, got[0])
	}
	if got[1].Function != fnFree.Name || got[1].Value != 30 {
		t.Errorf("expected second entry {%s, 30}; got %+v", fnFree.Name, got[1])
	}
}

func TestReportTopN(t *testing.T) {
	fn1 := &profile.Function{Name: "a"}
	fn2 := &profile.Function{Name: "b"}
	fn3 := &profile.Function{Name: "c"}

	prof := &profile.Profile{
		Sample: []*profile.Sample{
			{Value: []int64{1}, Location: []*profile.Location{{Line: []profile.Line{{Function: fn1}}}}},
			{Value: []int64{2}, Location: []*profile.Location{{Line: []profile.Line{{Function: fn2}}}}},
			{Value: []int64{3}, Location: []*profile.Location{{Line: []profile.Line{{Function: fn3}}}}},
		},
	}

	got := Report(prof, 1)
	if len(got) != 1 || got[0].Function != "c" {
		t.Fatalf("expected single top entry %q; got %+v", "c", got)
	}
}
