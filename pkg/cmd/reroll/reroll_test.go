package reroll

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gcetools/pkg/app"
	"gcetools/pkg/gce"
	"gcetools/pkg/vm"
)

// Boots onto platforms[n] on the nth start.
type fakeClient struct {
	insts     []vm.Instance
	platforms []string
	status    vm.Status
	starts    int
	stops     int
	refs      []vm.Ref
	onStop    func()
	stopErr   error
}

func (f *fakeClient) SearchProjects(ctx context.Context) ([]gce.Project, error) {
	return []gce.Project{{ID: "p", DisplayName: "P", State: "ACTIVE"}}, nil
}

func (f *fakeClient) ListInstances(ctx context.Context, project string) ([]vm.Instance, error) {
	return f.insts, nil
}

func (f *fakeClient) GetInstance(ctx context.Context, ref vm.Ref) (vm.Instance, error) {
	f.refs = append(f.refs, ref)
	inst := vm.Instance{Ref: ref, Status: f.status}
	if f.status == vm.Running && f.starts > 0 && f.starts <= len(f.platforms) {
		inst.CPUPlatform = f.platforms[f.starts-1]
	}
	return inst, nil
}

func (f *fakeClient) StartInstance(ctx context.Context, ref vm.Ref) (vm.Operation, error) {
	f.starts++
	f.status = vm.Running
	return vm.Operation{Project: ref.Project, Zone: ref.Zone, Name: "start"}, nil
}

func (f *fakeClient) StopInstance(ctx context.Context, ref vm.Ref) (vm.Operation, error) {
	f.stops++
	f.status = vm.Stopped
	if f.onStop != nil {
		f.onStop()
	}
	return vm.Operation{Project: ref.Project, Zone: ref.Zone, Name: "stop"}, nil
}

func (f *fakeClient) AwaitOperation(ctx context.Context, op vm.Operation) error {
	if op.Name == "stop" {
		return f.stopErr
	}
	return nil
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func testApp(input string) (*app.App, *bytes.Buffer) {
	var errw bytes.Buffer
	a := app.New(strings.NewReader(input), &bytes.Buffer{}, &errw)
	a.Project = "p"
	return a, &errw
}

func TestRunPicksFromMenu(t *testing.T) {
	f := &fakeClient{
		status:    vm.Stopped,
		platforms: []string{"Intel Broadwell", "AMD Rome"},
		insts: []vm.Instance{
			{Ref: vm.Ref{Project: "p", Zone: "us-east1-b", Name: "other"}, Status: vm.Running},
			{Ref: vm.Ref{Project: "p", Zone: "us-west1-b", Name: "free-tier-vm"}, Status: vm.Stopped},
		},
	}
	a, errw := testApp("9\n2\n")

	require.NoError(t, Run(context.Background(), a, f, Options{Target: "amd", sleep: noSleep}))
	assert.Equal(t, 2, f.starts)
	assert.Equal(t, 1, f.stops)
	assert.Equal(t, "free-tier-vm", f.refs[0].Name)
	assert.Contains(t, errw.String(), "invalid choice")
	assert.Contains(t, errw.String(), "free-tier-vm is on AMD Rome after 2 attempt(s)")
}

func TestRunFlagsSkipMenu(t *testing.T) {
	f := &fakeClient{status: vm.Running, starts: 1, platforms: []string{"AMD Milan"}}
	a, _ := testApp("")

	err := Run(context.Background(), a, f, Options{Zone: "us-central1-f", Instance: "vm", Target: "AMD", sleep: noSleep})
	require.NoError(t, err)
	assert.Equal(t, vm.Ref{Project: "p", Zone: "us-central1-f", Name: "vm"}, f.refs[0])
	assert.Equal(t, 1, f.starts)
}

func TestRunExhausted(t *testing.T) {
	f := &fakeClient{status: vm.Stopped, platforms: []string{"Intel", "Intel"}}
	a, _ := testApp("")

	err := Run(context.Background(), a, f, Options{Zone: "z", Instance: "vm", Target: "AMD", MaxAttempts: 2, sleep: noSleep})
	assert.ErrorContains(t, err, "after 2 attempts")
	assert.Equal(t, 1, f.stops)
}

func TestRunInterruptedIsNotAnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &fakeClient{status: vm.Stopped, platforms: []string{"Intel", "Intel", "Intel"}, onStop: cancel}
	a, errw := testApp("")

	err := Run(ctx, a, f, Options{Zone: "z", Instance: "vm", Target: "AMD", sleep: noSleep})
	require.NoError(t, err)
	assert.Equal(t, 1, f.starts)
	assert.Contains(t, errw.String(), "interrupted")
}

func TestRunInterruptedStopFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &fakeClient{
		status:    vm.Stopped,
		platforms: []string{"Intel"},
		onStop:    cancel,
		stopErr:   &vm.RemoteOperationFailure{Operation: "stop", Detail: "RESOURCE_NOT_READY: busy"},
	}
	a, errw := testApp("")

	err := Run(ctx, a, f, Options{Zone: "us-west1-b", Instance: "vm1", sleep: noSleep})
	var rof *vm.RemoteOperationFailure
	require.True(t, errors.As(err, &rof))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Contains(t, errw.String(), "RESOURCE_NOT_READY")
}

func TestRunNoInstances(t *testing.T) {
	a, _ := testApp("")
	err := Run(context.Background(), a, &fakeClient{}, Options{Target: "AMD"})
	assert.ErrorContains(t, err, "no instances")
}

func TestRunMenuEOF(t *testing.T) {
	f := &fakeClient{insts: []vm.Instance{{Ref: vm.Ref{Name: "a"}}}}
	a, _ := testApp("")
	err := Run(context.Background(), a, f, Options{Target: "AMD"})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
	assert.Zero(t, f.starts)
}
