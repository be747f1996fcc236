// Package gcetest provides an in-memory compute API for tests.
package gcetest

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
)

const baseURL = "https://www.googleapis.com/compute/v1/projects/"

// Fake simulates the asynchronous compute API. Every mutating call
// returns a PENDING operation which reports RUNNING for RunningPolls
// reads and DONE afterwards. The requested change is visible as soon as
// the call is submitted.
type Fake struct {
	Project string
	Zone    string

	// RunningPolls is how many reads report RUNNING before DONE.
	RunningPolls int
	// SubmitErrors fails the named method (e.g. "InsertDisk") on submit.
	SubmitErrors map[string]error
	// DoneErrors attaches provider errors to the DONE operation of the
	// named method.
	DoneErrors map[string]*compute.OperationError
	// OmitScope strips zone and selfLink from returned operations.
	OmitScope bool

	mu        sync.Mutex
	seq       int
	ops       map[string]*opState
	calls     []string
	disks     map[string]*compute.Disk
	snapshots map[string]*compute.Snapshot
	images    map[string]*compute.Image
	instances map[string]*compute.Instance

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

type opState struct {
	op     *compute.Operation
	method string
	polls  int
}

// New returns a fake API for project and zone with one RUNNING poll per
// operation.
func New(project, zone string) *Fake {
	return &Fake{
		Project:      project,
		Zone:         zone,
		RunningPolls: 1,
		ops:          make(map[string]*opState),
		disks:        make(map[string]*compute.Disk),
		snapshots:    make(map[string]*compute.Snapshot),
		images:       make(map[string]*compute.Image),
		instances:    make(map[string]*compute.Instance),
	}
}

// AddInstance registers an instance disks can be attached to.
func (f *Fake) AddInstance(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[name] = &compute.Instance{Name: name, Status: "RUNNING"}
}

// AddDisk registers an existing disk.
func (f *Fake) AddDisk(d *compute.Disk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disks[d.Name] = d
}

// Calls returns the names of the methods invoked, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CountCalls returns how many times method was invoked.
func (f *Fake) CountCalls(method string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == method {
			n++
		}
	}
	return n
}

// MaxInFlight is the highest number of API calls observed running at once.
func (f *Fake) MaxInFlight() int {
	return int(f.maxInFlight.Load())
}

// Disk returns the named disk, if present.
func (f *Fake) Disk(name string) (*compute.Disk, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.disks[name]
	return d, ok
}

// Snapshot returns the named snapshot, if present.
func (f *Fake) Snapshot(name string) (*compute.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snapshots[name]
	return s, ok
}

// Image returns the named image, if present.
func (f *Fake) Image(name string) (*compute.Image, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.images[name]
	return i, ok
}

func (f *Fake) enter(method string) func() {
	n := f.inFlight.Add(1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()
	return func() { f.inFlight.Add(-1) }
}

// submit records a new operation. The caller holds f.mu.
func (f *Fake) submit(method, zone, target string) (*compute.Operation, error) {
	if err := f.SubmitErrors[method]; err != nil {
		return nil, err
	}
	f.seq++
	name := fmt.Sprintf("operation-%d-%s", f.seq, strings.ToLower(method))
	op := &compute.Operation{
		Name:       name,
		Status:     "PENDING",
		TargetLink: target,
	}
	if !f.OmitScope {
		if zone != "" {
			op.Zone = baseURL + f.Project + "/zones/" + zone
			op.SelfLink = op.Zone + "/operations/" + name
		} else {
			op.SelfLink = baseURL + f.Project + "/global/operations/" + name
		}
	}
	f.ops[name] = &opState{op: op, method: method}
	copied := *op
	return &copied, nil
}

func (f *Fake) read(name string) (*compute.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.ops[name]
	if !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Message: "operation " + name + " not found"}
	}
	st.polls++
	if st.polls > f.RunningPolls {
		st.op.Status = "DONE"
		if oe := f.DoneErrors[st.method]; oe != nil {
			st.op.Error = oe
		}
	} else {
		st.op.Status = "RUNNING"
	}
	copied := *st.op
	return &copied, nil
}

func (f *Fake) GetZoneOperation(_ context.Context, project, zone, name string) (*compute.Operation, error) {
	defer f.enter("GetZoneOperation")()
	if project != f.Project || zone != f.Zone {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Message: "wrong project or zone"}
	}
	return f.read(name)
}

func (f *Fake) GetGlobalOperation(_ context.Context, project, name string) (*compute.Operation, error) {
	defer f.enter("GetGlobalOperation")()
	if project != f.Project {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Message: "wrong project"}
	}
	return f.read(name)
}

func (f *Fake) InsertDisk(_ context.Context, _, zone string, disk *compute.Disk) (*compute.Operation, error) {
	defer f.enter("InsertDisk")()
	f.mu.Lock()
	defer f.mu.Unlock()
	op, err := f.submit("InsertDisk", zone, disk.Name)
	if err != nil {
		return nil, err
	}
	d := *disk
	d.Status = "READY"
	f.disks[disk.Name] = &d
	return op, nil
}

func (f *Fake) DeleteDisk(_ context.Context, _, zone, disk string) (*compute.Operation, error) {
	defer f.enter("DeleteDisk")()
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.disks[disk]; !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Message: "disk " + disk + " not found"}
	}
	op, err := f.submit("DeleteDisk", zone, disk)
	if err != nil {
		return nil, err
	}
	delete(f.disks, disk)
	return op, nil
}

func (f *Fake) GetDisk(_ context.Context, _, _, disk string) (*compute.Disk, error) {
	defer f.enter("GetDisk")()
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.disks[disk]
	if !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Message: "disk " + disk + " not found"}
	}
	copied := *d
	return &copied, nil
}

// ListDisks supports filters of the form `description eq "<prefix>.*"`
// only, and returns one disk per page to exercise paging.
func (f *Fake) ListDisks(_ context.Context, _, _, filter, pageToken string) (*compute.DiskList, error) {
	defer f.enter("ListDisks")()
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := ""
	if filter != "" {
		prefix = strings.TrimSuffix(strings.TrimPrefix(filter, `description eq "`), `.*"`)
	}
	var names []string
	for name, d := range f.disks {
		if strings.HasPrefix(d.Description, prefix) {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	start := 0
	if pageToken != "" {
		_, _ = fmt.Sscanf(pageToken, "page-%d", &start)
	}
	list := &compute.DiskList{}
	if start < len(names) {
		copied := *f.disks[names[start]]
		list.Items = []*compute.Disk{&copied}
	}
	if start+1 < len(names) {
		list.NextPageToken = fmt.Sprintf("page-%d", start+1)
	}
	return list, nil
}

func (f *Fake) CreateSnapshot(_ context.Context, _, zone, disk string, snapshot *compute.Snapshot) (*compute.Operation, error) {
	defer f.enter("CreateSnapshot")()
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.disks[disk]; !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Message: "disk " + disk + " not found"}
	}
	op, err := f.submit("CreateSnapshot", zone, snapshot.Name)
	if err != nil {
		return nil, err
	}
	s := *snapshot
	s.SourceDisk = disk
	s.Status = "READY"
	f.snapshots[snapshot.Name] = &s
	return op, nil
}

func (f *Fake) AttachDisk(_ context.Context, _, zone, instance string, disk *compute.AttachedDisk) (*compute.Operation, error) {
	defer f.enter("AttachDisk")()
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instance]
	if !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Message: "instance " + instance + " not found"}
	}
	op, err := f.submit("AttachDisk", zone, instance)
	if err != nil {
		return nil, err
	}
	inst.Disks = append(inst.Disks, disk)
	if d, ok := f.disks[disk.DeviceName]; ok {
		d.Users = append(d.Users, instance)
	}
	return op, nil
}

func (f *Fake) DetachDisk(_ context.Context, _, zone, instance, deviceName string) (*compute.Operation, error) {
	defer f.enter("DetachDisk")()
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instance]
	if !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Message: "instance " + instance + " not found"}
	}
	op, err := f.submit("DetachDisk", zone, instance)
	if err != nil {
		return nil, err
	}
	kept := inst.Disks[:0]
	for _, d := range inst.Disks {
		if d.DeviceName != deviceName {
			kept = append(kept, d)
		}
	}
	inst.Disks = kept
	if d, ok := f.disks[deviceName]; ok {
		d.Users = nil
	}
	return op, nil
}

// ListInstances returns one instance per page, sorted by name.
func (f *Fake) ListInstances(_ context.Context, _, _, pageToken string) (*compute.InstanceList, error) {
	defer f.enter("ListInstances")()
	f.mu.Lock()
	defer f.mu.Unlock()

	names := make([]string, 0, len(f.instances))
	for name := range f.instances {
		names = append(names, name)
	}
	slices.Sort(names)

	start := 0
	if pageToken != "" {
		_, _ = fmt.Sscanf(pageToken, "page-%d", &start)
	}
	list := &compute.InstanceList{}
	if start < len(names) {
		copied := *f.instances[names[start]]
		list.Items = []*compute.Instance{&copied}
	}
	if start+1 < len(names) {
		list.NextPageToken = fmt.Sprintf("page-%d", start+1)
	}
	return list, nil
}

// Instance returns a copy of the named instance.
func (f *Fake) Instance(name string) (*compute.Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[name]
	if !ok {
		return nil, false
	}
	copied := *inst
	return &copied, true
}

func (f *Fake) StartInstance(_ context.Context, _, zone, instance string) (*compute.Operation, error) {
	return f.power("StartInstance", zone, instance, "RUNNING")
}

func (f *Fake) StopInstance(_ context.Context, _, zone, instance string) (*compute.Operation, error) {
	return f.power("StopInstance", zone, instance, "TERMINATED")
}

func (f *Fake) power(method, zone, instance, status string) (*compute.Operation, error) {
	defer f.enter(method)()
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instance]
	if !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Message: "instance " + instance + " not found"}
	}
	op, err := f.submit(method, zone, instance)
	if err != nil {
		return nil, err
	}
	inst.Status = status
	return op, nil
}

func (f *Fake) InsertImage(_ context.Context, _ string, image *compute.Image) (*compute.Operation, error) {
	defer f.enter("InsertImage")()
	f.mu.Lock()
	defer f.mu.Unlock()
	op, err := f.submit("InsertImage", "", image.Name)
	if err != nil {
		return nil, err
	}
	i := *image
	i.Status = "READY"
	f.images[image.Name] = &i
	return op, nil
}
