package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, in Values) (Values, error) { return nil, nil }

func task(name string, inputs []string, outputs ...string) *Task {
	return &Task{Rule: "test", Name: name, Inputs: inputs, Outputs: outputs, Action: noop}
}

func TestRegister_Validation(t *testing.T) {
	g := New()
	require.NoError(t, g.Register(task("a", nil, "out/a")))

	tests := []struct {
		name string
		task *Task
		want error
	}{
		{"empty rule", &Task{Outputs: []string{"x"}, Action: noop}, ErrInvalidTask},
		{"no outputs", &Task{Rule: "r", Action: noop}, ErrInvalidTask},
		{"no action", &Task{Rule: "r", Outputs: []string{"x"}}, ErrInvalidTask},
		{"repeated output", &Task{Rule: "r", Outputs: []string{"x", "x"}, Action: noop}, ErrInvalidTask},
		{"second producer", task("b", nil, "out/a"), ErrDuplicateOutput},
		{"same name", task("a", nil, "out/other"), ErrDuplicateTask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, g.Register(tt.task), tt.want)
		})
	}

	assert.ErrorIs(t, g.Phony("out/a"), ErrDuplicateOutput)
	require.NoError(t, g.Phony("all", "out/a"))
	assert.ErrorIs(t, g.Phony("all"), ErrDuplicateOutput)
	assert.ErrorIs(t, g.Register(task("c", nil, "all")), ErrDuplicateOutput)
}

func TestRegister_DefaultName(t *testing.T) {
	g := New()
	tk := &Task{Rule: "r", Outputs: []string{"deb/pool/x/data", "deb/pool/x/control"}, Action: noop}
	require.NoError(t, g.Register(tk))
	assert.Equal(t, "deb/pool/x/data", tk.Name)

	got, ok := g.Task("deb/pool/x/data")
	require.True(t, ok)
	assert.Same(t, tk, got)
}

func TestValidate_Cycle(t *testing.T) {
	g := New()
	require.NoError(t, g.Register(task("a", []string{"out/b"}, "out/a")))
	require.NoError(t, g.Register(task("b", []string{"out/a"}, "out/b")))
	require.NoError(t, g.Register(task("c", []string{"out/a"}, "out/c")))

	err := g.Validate()
	require.ErrorIs(t, err, ErrCycle)
	assert.Contains(t, err.Error(), "a -> b -> a")

	_, err = g.Closure("out/c")
	assert.ErrorIs(t, err, ErrCycle)
}

func TestValidate_SelfLoopAndPhonyLoop(t *testing.T) {
	g := New()
	require.NoError(t, g.Register(task("self", []string{"out/self"}, "out/self")))
	assert.ErrorIs(t, g.Validate(), ErrCycle)

	g = New()
	require.NoError(t, g.Phony("p1", "p2"))
	require.NoError(t, g.Phony("p2", "p1"))
	assert.ErrorIs(t, g.Validate(), ErrCycle)
}

func TestValidate_PhonyRules(t *testing.T) {
	g := New()
	require.NoError(t, g.Register(task("a", nil, "out/a")))
	require.NoError(t, g.Phony("group", "out/a"))
	require.NoError(t, g.Register(task("bad", []string{"group"}, "out/bad")))
	assert.ErrorIs(t, g.Validate(), ErrInvalidTask, "别名不能作为数据输入")

	g = New()
	require.NoError(t, g.Phony("dangling", "nowhere"))
	assert.ErrorIs(t, g.Validate(), ErrUnknownTarget)
}

func TestClosure(t *testing.T) {
	g := New()
	require.NoError(t, g.Register(task("init", nil, "store/config")))
	require.NoError(t, g.Register(task("fetch", []string{"pkg.lock"}, "out/data")))
	ordered := task("merge", []string{"out/data"}, "out/image")
	ordered.OrderOnly = []string{"store/config"}
	require.NoError(t, g.Register(ordered))
	require.NoError(t, g.Register(task("unrelated", nil, "out/other")))
	require.NoError(t, g.Phony("images", "out/image"))

	tasks, err := g.Closure("images")
	require.NoError(t, err)
	var names []string
	for _, tk := range tasks {
		names = append(names, tk.Name)
	}
	assert.Equal(t, []string{"fetch", "init", "merge"}, names)

	// 源文件不产生依赖
	deps, err := g.Deps(ordered)
	require.NoError(t, err)
	assert.Len(t, deps, 2)

	_, err = g.Closure("nope")
	assert.ErrorIs(t, err, ErrUnknownTarget)

	tasks, err = g.Closure("unrelated")
	require.NoError(t, err, "任务名也可以作为目标")
	assert.Len(t, tasks, 1)
}

func TestTaskKey(t *testing.T) {
	a := &Task{Rule: "fetch", Params: map[string]string{"sha256": "x", "pool": "y"}, Outputs: []string{"o1", "o2"}}
	b := &Task{Rule: "fetch", Params: map[string]string{"pool": "y", "sha256": "x"}, Outputs: []string{"o2", "o1"},
		Inputs: []string{"ignored"}, Name: "other"}
	assert.Equal(t, a.Key(), b.Key(), "身份只由规则、参数和输出决定")

	c := &Task{Rule: "fetch", Params: map[string]string{"sha256": "z", "pool": "y"}, Outputs: []string{"o1", "o2"}}
	assert.NotEqual(t, a.Key(), c.Key())

	d := &Task{Rule: "unpack", Params: a.Params, Outputs: a.Outputs}
	assert.NotEqual(t, a.Key(), d.Key())
	assert.Len(t, a.Key(), 64)
}

func TestInputDigest(t *testing.T) {
	names := []string{"a.lock", "deb/pool/x/data"}
	present := Values{"a.lock": "aa", "deb/pool/x/data": "bb"}
	absent := Values{"deb/pool/x/data": "bb"}

	assert.NotEqual(t, inputDigest(names, present), inputDigest(names, absent))
	assert.Equal(t, inputDigest(names, absent), inputDigest(names, Values{"a.lock": "", "deb/pool/x/data": "bb"}))
}
