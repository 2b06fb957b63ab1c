package routing

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/danmuck/kernelroute/internal/testutil/testlog"
	"pgregory.net/rapid"
)

func TestNormalizeURI(t *testing.T) {
	testlog.Start(t)

	cases := map[string]string{
		"kernel://local":               "kernel://local/",
		"kernel://local/":              "kernel://local/",
		"kernel://local/root":          "kernel://local/root",
		"kernel://local/root?tag=x":    "kernel://local/root",
		"KERNEL://local/root/py#frag":  "kernel://local/root/py",
		"kernel://pid-42:9000/a/b?q=1": "kernel://pid-42:9000/a/b",
		"  kernel://local/padded  ":    "kernel://local/padded",
	}
	for in, want := range cases {
		if got := NormalizeURI(in); got != want {
			t.Fatalf("NormalizeURI(%q)=%q want=%q", in, got, want)
		}
	}
	if got := NormalizeURIWithQuery("kernel://local?tag=arrived"); got != "kernel://local/?tag=arrived" {
		t.Fatalf("unexpected query normalization: %q", got)
	}
	if got := Authority("k://remote/py"); got != "k://remote" {
		t.Fatalf("unexpected authority: %q", got)
	}
	if got := Tag("kernel://local/x?tag=arrived"); got != TagArrived {
		t.Fatalf("unexpected tag: %q", got)
	}
	if got := Join("kernel://local/root/", "py"); got != "kernel://local/root/py" {
		t.Fatalf("unexpected join: %q", got)
	}
}

func TestCommandSlipArrivedThenDeparted(t *testing.T) {
	testlog.Start(t)

	s := NewCommandSlip()
	if err := s.StampArrived("kernel://local/root"); err != nil {
		t.Fatalf("stamp arrived root: %v", err)
	}
	if err := s.StampArrived("kernel://local/root/py"); err != nil {
		t.Fatalf("stamp arrived py: %v", err)
	}
	if err := s.Stamp("kernel://local/root/py"); err != nil {
		t.Fatalf("stamp py: %v", err)
	}
	if err := s.Stamp("kernel://local/root"); err != nil {
		t.Fatalf("stamp root: %v", err)
	}

	want := []string{
		"kernel://local/root?tag=arrived",
		"kernel://local/root/py?tag=arrived",
		"kernel://local/root/py",
		"kernel://local/root",
	}
	if got := s.ToArray(); !reflect.DeepEqual(got, want) {
		t.Fatalf("slip mismatch got=%v want=%v", got, want)
	}
	if !s.Contains("kernel://local/root/py", false) {
		t.Fatalf("expected bare py entry")
	}
	if !s.Contains("kernel://local/root/py?tag=arrived", false) {
		t.Fatalf("expected tagged py entry")
	}
}

func TestCommandSlipStampWithoutArrivalFails(t *testing.T) {
	testlog.Start(t)

	s := NewCommandSlip()
	err := s.Stamp("kernel://local/root")
	var slipErr *SlipError
	if !errors.As(err, &slipErr) || !errors.Is(err, ErrSlipViolation) {
		t.Fatalf("expected slip violation, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("failed stamp mutated slip: %v", s.ToArray())
	}
}

func TestCommandSlipRejectsSecondDeparture(t *testing.T) {
	testlog.Start(t)

	s := NewCommandSlip()
	_ = s.StampArrived("kernel://local/a")
	if err := s.Stamp("kernel://local/a"); err != nil {
		t.Fatalf("first departure: %v", err)
	}
	if err := s.Stamp("kernel://local/a"); !errors.Is(err, ErrSlipViolation) {
		t.Fatalf("expected second departure to fail, got %v", err)
	}
	if err := s.StampArrived("kernel://local/a"); !errors.Is(err, ErrSlipViolation) {
		t.Fatalf("expected re-arrival to fail, got %v", err)
	}
}

func TestEventSlipRejectsDuplicate(t *testing.T) {
	testlog.Start(t)

	s := NewEventSlip()
	if err := s.Stamp("kernel://local/root/py"); err != nil {
		t.Fatalf("stamp: %v", err)
	}
	if err := s.Stamp("kernel://local/root/py?tag=arrived"); !errors.Is(err, ErrSlipViolation) {
		t.Fatalf("expected duplicate under a tag to fail, got %v", err)
	}
	if got := s.ToArray(); len(got) != 1 {
		t.Fatalf("duplicate stamp mutated slip: %v", got)
	}
}

func TestContinueWithSkipsSharedPrefix(t *testing.T) {
	testlog.Start(t)

	local := NewCommandSlip("kernel://local/?tag=arrived", "kernel://local/proxy?tag=arrived")
	remote := []string{
		"kernel://local/?tag=arrived",
		"kernel://local/proxy?tag=arrived",
		"kernel://remote/?tag=arrived",
		"kernel://remote/py?tag=arrived",
	}
	if err := local.ContinueWith(remote); err != nil {
		t.Fatalf("continue: %v", err)
	}
	if !local.StartsWith(remote) || local.Len() != 4 {
		t.Fatalf("unexpected slip after continue: %v", local.ToArray())
	}

	// An older snapshot of the same route adds nothing.
	if err := local.ContinueWith(remote[:3]); err != nil {
		t.Fatalf("continue with older snapshot: %v", err)
	}
	if local.Len() != 4 {
		t.Fatalf("older snapshot changed slip: %v", local.ToArray())
	}
}

func TestContinueWithRejectsNonPrefixCollision(t *testing.T) {
	testlog.Start(t)

	local := NewEventSlip("kernel://a/", "kernel://b/")
	before := local.ToArray()
	err := local.ContinueWith([]string{"kernel://c/", "kernel://a/"})
	if !errors.Is(err, ErrSlipViolation) {
		t.Fatalf("expected collision error, got %v", err)
	}
	if got := local.ToArray(); !reflect.DeepEqual(got, before) {
		t.Fatalf("failed continue mutated slip: %v", got)
	}
}

func TestSlipJSONIsOrderedStringArray(t *testing.T) {
	testlog.Start(t)

	s := NewCommandSlip()
	_ = s.StampArrived("kernel://local/root")
	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `["kernel://local/root?tag=arrived"]` {
		t.Fatalf("unexpected wire form: %s", raw)
	}
	var decoded CommandSlip
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := decoded.Stamp("kernel://local/root"); err != nil {
		t.Fatalf("decoded slip lost arrival: %v", err)
	}
}

func genURI() *rapid.Generator[string] {
	return rapid.Custom(func(t *rapid.T) string {
		host := rapid.SampledFrom([]string{"local", "remote", "pid-7"}).Draw(t, "host")
		path := rapid.SampledFrom([]string{"", "/", "/a", "/b", "/a/b", "/c"}).Draw(t, "path")
		tag := rapid.SampledFrom([]string{"", "?tag=arrived", "?tag=other"}).Draw(t, "tag")
		return fmt.Sprintf("kernel://%s%s%s", host, path, tag)
	})
}

func TestEventSlipNoDuplicateProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewEventSlip()
		for _, uri := range rapid.SliceOf(genURI()).Draw(t, "uris") {
			present := s.Contains(uri, true)
			before := s.ToArray()
			err := s.Stamp(uri)
			if present {
				if err == nil {
					t.Fatalf("re-stamp of %q succeeded: %v", uri, before)
				}
				if !reflect.DeepEqual(before, s.ToArray()) {
					t.Fatalf("failed stamp mutated slip")
				}
			} else if err != nil {
				t.Fatalf("fresh stamp of %q failed: %v", uri, err)
			}
		}
	})
}

func TestCommandSlipArrivalProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewCommandSlip()
		arrived := map[string]bool{}
		departed := map[string]bool{}
		for _, uri := range rapid.SliceOf(genURI()).Draw(t, "uris") {
			key := NormalizeURI(uri)
			before := s.ToArray()
			if rapid.Bool().Draw(t, "arrive") {
				err := s.StampArrived(uri)
				if arrived[key] && err == nil {
					t.Fatalf("re-arrival of %q succeeded", uri)
				}
				if !arrived[key] && err != nil {
					t.Fatalf("first arrival of %q failed: %v", uri, err)
				}
				if err == nil {
					arrived[key] = true
				}
			} else {
				err := s.Stamp(uri)
				ok := arrived[key] && !departed[key]
				if ok && err != nil {
					t.Fatalf("departure of %q failed: %v", uri, err)
				}
				if !ok && err == nil {
					t.Fatalf("departure of %q succeeded without arrival", uri)
				}
				if err == nil {
					departed[key] = true
				}
			}
			after := s.ToArray()
			if len(after) < len(before) || !reflect.DeepEqual(after[:len(before)], before) {
				t.Fatalf("slip was rewritten: before=%v after=%v", before, after)
			}
		}
	})
}
