package graph

import (
	"testing"

	"github.com/cylc-go/scheduler/internal/cycle"
)

func TestCompileLinearChain(t *testing.T) {
	cal := cycle.ProlepticGregorian
	initial, _ := cycle.ParseISOPoint("2020-01-01T00:00:00Z", cal)
	final, _ := cycle.ParseISOPoint("2020-01-10T00:00:00Z", cal)

	defs, err := Compile([]CompileInput{
		{SequenceSpec: "R/^/P1D", Lines: []string{"foo => bar => baz"}},
	}, cal, false, initial, final, nil, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(defs) != 3 {
		t.Fatalf("expected 3 task definitions, got %d", len(defs))
	}
	bar := defs["bar"]
	if len(bar.Prerequisites) != 1 {
		t.Fatalf("expected bar to have 1 prerequisite group, got %d", len(bar.Prerequisites))
	}
	if bar.Prerequisites[0].All[0].UpstreamName != "foo" {
		t.Fatalf("expected bar's prerequisite to be foo, got %#v", bar.Prerequisites[0])
	}
}

func TestCompileRejectsCyclicSamePoint(t *testing.T) {
	cal := cycle.ProlepticGregorian
	initial, _ := cycle.ParseISOPoint("2020-01-01T00:00:00Z", cal)
	final, _ := cycle.ParseISOPoint("2020-01-10T00:00:00Z", cal)

	_, err := Compile([]CompileInput{
		{SequenceSpec: "R/^/P1D", Lines: []string{"foo => foo"}},
	}, cal, false, initial, final, nil, nil)
	if err == nil {
		t.Fatalf("expected error for self-dependency at the same cycle point")
	}
}

func TestCompileAllowsOffsetSelfDependency(t *testing.T) {
	cal := cycle.ProlepticGregorian
	initial, _ := cycle.ParseISOPoint("2020-01-01T00:00:00Z", cal)
	final, _ := cycle.ParseISOPoint("2020-01-10T00:00:00Z", cal)

	defs, err := Compile([]CompileInput{
		{SequenceSpec: "R/^/P1D", Lines: []string{"foo[-P1D] => foo"}},
	}, cal, false, initial, final, nil, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if defs["foo"].Prerequisites[0].All[0].Offset == nil {
		t.Fatalf("expected a resolved offset on the self-dependency")
	}
}

func TestCompileGhostNodeRejected(t *testing.T) {
	cal := cycle.ProlepticGregorian
	initial, _ := cycle.ParseISOPoint("2020-01-01T00:00:00Z", cal)
	final, _ := cycle.ParseISOPoint("2020-01-10T00:00:00Z", cal)

	known := map[string]bool{"foo": true, "bar": true}
	_, err := Compile([]CompileInput{
		{SequenceSpec: "R/^/P1D", Lines: []string{"foo => bar => baz"}},
	}, cal, false, initial, final, known, nil)
	if err == nil {
		t.Fatalf("expected ghost-node error for undeclared task baz")
	}
}

func TestCompileAnchorAndAbsolutePointOffsets(t *testing.T) {
	cal := cycle.ProlepticGregorian
	initial, _ := cycle.ParseISOPoint("2020-01-01T00:00:00Z", cal)
	final, _ := cycle.ParseISOPoint("2020-01-10T00:00:00Z", cal)

	defs, err := Compile([]CompileInput{
		{SequenceSpec: "R/^/P1D", Lines: []string{
			"install[^] => model",
			"model[$] => archive",
			"obs[2020-01-05T00:00:00Z] => verify",
			"install",
			"obs",
			"archive",
			"verify",
		}},
	}, cal, false, initial, final, nil, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	model := defs["model"].Prerequisites[0].All[0]
	if model.AbsPoint == nil || !cycle.Equal(model.AbsPoint, initial) {
		t.Fatalf("expected ^ to pin model's dependency to the initial point, got %#v", model)
	}
	archive := defs["archive"].Prerequisites[0].All[0]
	if archive.AbsPoint == nil || !cycle.Equal(archive.AbsPoint, final) {
		t.Fatalf("expected $ to pin archive's dependency to the final point, got %#v", archive)
	}
	verify := defs["verify"].Prerequisites[0].All[0]
	want, _ := cycle.ParseISOPoint("2020-01-05T00:00:00Z", cal)
	if verify.AbsPoint == nil || !cycle.Equal(verify.AbsPoint, want) {
		t.Fatalf("expected literal point dependency on obs@2020-01-05, got %#v", verify)
	}
	if model.Offset != nil || archive.Offset != nil || verify.Offset != nil {
		t.Fatalf("absolute dependencies must carry no relative offset")
	}
}

func TestCompileIntegerAbsolutePointOffset(t *testing.T) {
	initial := cycle.IntegerPoint(1)
	final := cycle.IntegerPoint(10)

	defs, err := Compile([]CompileInput{
		{SequenceSpec: "R/^/P1", Lines: []string{"setup[1] => run", "setup"}},
	}, cycle.ProlepticGregorian, true, initial, final, nil, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	dep := defs["run"].Prerequisites[0].All[0]
	if dep.AbsPoint == nil || !cycle.Equal(dep.AbsPoint, cycle.IntegerPoint(1)) {
		t.Fatalf("expected integer absolute point 1, got %#v", dep)
	}
}

func TestCompileAnchorWithoutFinalPointIsError(t *testing.T) {
	cal := cycle.ProlepticGregorian
	initial, _ := cycle.ParseISOPoint("2020-01-01T00:00:00Z", cal)

	_, err := Compile([]CompileInput{
		{SequenceSpec: "R/^/P1D", Lines: []string{"model[$] => archive", "model"}},
	}, cal, false, initial, nil, nil, nil)
	if err == nil {
		t.Fatalf("expected error for $ anchor with no final cycle point configured")
	}
}

func TestCompileSuicideTargetBecomesRemovalPrerequisite(t *testing.T) {
	cal := cycle.ProlepticGregorian
	initial, _ := cycle.ParseISOPoint("2020-01-01T00:00:00Z", cal)
	final, _ := cycle.ParseISOPoint("2020-01-10T00:00:00Z", cal)

	defs, err := Compile([]CompileInput{
		{SequenceSpec: "R1", Lines: []string{
			"model:failed => recover",
			"model => !recover",
		}},
	}, cal, false, initial, final, nil, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	recover := defs["recover"]
	if len(recover.Prerequisites) != 1 {
		t.Fatalf("expected 1 run prerequisite, got %d", len(recover.Prerequisites))
	}
	if recover.Prerequisites[0].All[0].Qualifier != QualFailed {
		t.Fatalf("run prerequisite should wait on model:failed, got %#v", recover.Prerequisites[0])
	}
	if len(recover.RemovalPrerequisites) != 1 {
		t.Fatalf("expected 1 removal prerequisite, got %d", len(recover.RemovalPrerequisites))
	}
	rp := recover.RemovalPrerequisites[0].All[0]
	if !rp.Suicide || rp.UpstreamName != "model" || rp.Qualifier != QualSucceeded {
		t.Fatalf("removal prerequisite should be model:succeeded suicide, got %#v", rp)
	}
}

func TestCompileFamilyTriggerExpandsToOr(t *testing.T) {
	cal := cycle.ProlepticGregorian
	initial, _ := cycle.ParseISOPoint("2020-01-01T00:00:00Z", cal)
	final, _ := cycle.ParseISOPoint("2020-01-10T00:00:00Z", cal)

	families := map[string][]string{"FAM": {"m1", "m2"}}
	defs, err := Compile([]CompileInput{
		{SequenceSpec: "R/^/P1D", Lines: []string{"FAM:succeed-any => x"}},
	}, cal, false, initial, final, nil, families)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	x := defs["x"]
	if x == nil || len(x.Prerequisites) != 1 {
		t.Fatalf("expected x to have 1 prerequisite group, got %#v", x)
	}
	prereq := x.Prerequisites[0]
	if len(prereq.Any) != 2 {
		t.Fatalf("expected succeed-any to expand to 2 OR'd members, got %#v", prereq)
	}
	var upstreams []string
	for _, sub := range prereq.Any {
		upstreams = append(upstreams, sub.All[0].UpstreamName)
	}
	if upstreams[0] != "m1" || upstreams[1] != "m2" {
		t.Fatalf("expected members m1, m2 in order, got %v", upstreams)
	}
	if _, ok := defs["m1"]; !ok {
		t.Fatalf("expected m1 to get its own task definition")
	}
	if _, ok := defs["m2"]; !ok {
		t.Fatalf("expected m2 to get its own task definition")
	}
}

func TestCompileFamilyOnRightExpandsOneEdgePerMember(t *testing.T) {
	cal := cycle.ProlepticGregorian
	initial, _ := cycle.ParseISOPoint("2020-01-01T00:00:00Z", cal)
	final, _ := cycle.ParseISOPoint("2020-01-10T00:00:00Z", cal)

	families := map[string][]string{"FAM": {"m1", "m2"}}
	defs, err := Compile([]CompileInput{
		{SequenceSpec: "R/^/P1D", Lines: []string{"foo => FAM"}},
	}, cal, false, initial, final, nil, families)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	for _, name := range []string{"m1", "m2"} {
		def := defs[name]
		if def == nil || len(def.Prerequisites) != 1 || def.Prerequisites[0].All[0].UpstreamName != "foo" {
			t.Fatalf("expected %q to depend on foo, got %#v", name, def)
		}
	}
	if _, ok := defs["FAM"]; ok {
		t.Fatalf("family name itself should never get a task definition")
	}
}

func TestIsReservedQualifier(t *testing.T) {
	if !IsReservedQualifier("succeeded") {
		t.Fatalf("expected succeeded to be reserved")
	}
	if IsReservedQualifier("data_ready") {
		t.Fatalf("expected custom output name to not be reserved")
	}
}
