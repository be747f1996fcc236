package provisioning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bootimage/internal/imaging"
	"bootimage/internal/metadata"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/compute/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func noSleep(context.Context, time.Duration) error { return nil }

// fakeTool pretends every image expands to size bytes.
type fakeTool struct {
	size      int64
	converted []string
	err       error
}

func (f *fakeTool) VirtualSize(context.Context, string) (int64, error) {
	if f.size == 0 {
		return imaging.GiB + 1, nil
	}
	return f.size, nil
}

func (f *fakeTool) ConvertRaw(_ context.Context, src, dst string) error {
	if f.err != nil {
		return f.err
	}
	f.converted = append(f.converted, src+" -> "+dst)
	return nil
}

// fakeDevices reports every device as present immediately.
type fakeDevices struct {
	waited []string
	nitro  bool
	err    error
}

func (f *fakeDevices) Wait(_ context.Context, path string, _ time.Duration) error {
	f.waited = append(f.waited, path)
	return f.err
}

func (f *fakeDevices) ResolveEC2(_ context.Context, requested, volumeID string) (string, error) {
	if f.nitro {
		return imaging.EBSDevicePath(volumeID), nil
	}
	return "/dev/" + requested, nil
}

type fakeMetadata struct {
	instance metadata.Instance
	err      error
}

func (f *fakeMetadata) Instance(context.Context) (*metadata.Instance, error) {
	if f.err != nil {
		return nil, f.err
	}
	inst := f.instance
	return &inst, nil
}

// fakeEC2 moves volumes through their states one describe at a time.
type fakeEC2 struct {
	mu        sync.Mutex
	seq       int
	volumes   map[string]*types.Volume
	snapshots map[string]*types.Snapshot
	images    map[string]*ec2.RegisterImageInput
	calls     []string

	// pendingReads is how many describes report the previous state.
	pendingReads int
	reads        map[string]int
	target       map[string]types.VolumeState
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{
		volumes:   make(map[string]*types.Volume),
		snapshots: make(map[string]*types.Snapshot),
		images:    make(map[string]*ec2.RegisterImageInput),
		reads:     make(map[string]int),
		target:    make(map[string]types.VolumeState),
	}
}

func (f *fakeEC2) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeEC2) transition(id string, from, to types.VolumeState) {
	f.volumes[id].State = from
	f.target[id] = to
	f.reads[id] = 0
}

func (f *fakeEC2) CreateVolume(_ context.Context, in *ec2.CreateVolumeInput, _ ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateVolume")
	f.seq++
	id := fmt.Sprintf("vol-%04d", f.seq)
	var tags []types.Tag
	for _, spec := range in.TagSpecifications {
		tags = append(tags, spec.Tags...)
	}
	f.volumes[id] = &types.Volume{
		VolumeId:         aws.String(id),
		Size:             in.Size,
		VolumeType:       in.VolumeType,
		AvailabilityZone: in.AvailabilityZone,
		Tags:             tags,
	}
	f.transition(id, types.VolumeStateCreating, types.VolumeStateAvailable)
	return &ec2.CreateVolumeOutput{VolumeId: aws.String(id)}, nil
}

func (f *fakeEC2) DescribeVolumes(_ context.Context, in *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DescribeVolumes")
	out := &ec2.DescribeVolumesOutput{}
	if len(in.VolumeIds) == 0 {
		for _, v := range f.volumes {
			if hasTag(v.Tags, tagKey) && v.State == types.VolumeStateAvailable {
				out.Volumes = append(out.Volumes, *v)
			}
		}
		return out, nil
	}
	for _, id := range in.VolumeIds {
		v, ok := f.volumes[id]
		if !ok {
			continue
		}
		if target, ok := f.target[id]; ok {
			f.reads[id]++
			if f.reads[id] > f.pendingReads {
				v.State = target
				delete(f.target, id)
			}
		}
		out.Volumes = append(out.Volumes, *v)
	}
	return out, nil
}

func hasTag(tags []types.Tag, key string) bool {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return true
		}
	}
	return false
}

func (f *fakeEC2) AttachVolume(_ context.Context, in *ec2.AttachVolumeInput, _ ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AttachVolume " + aws.ToString(in.Device))
	f.transition(aws.ToString(in.VolumeId), types.VolumeStateAvailable, types.VolumeStateInUse)
	return &ec2.AttachVolumeOutput{}, nil
}

func (f *fakeEC2) DetachVolume(_ context.Context, in *ec2.DetachVolumeInput, _ ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DetachVolume")
	f.transition(aws.ToString(in.VolumeId), types.VolumeStateInUse, types.VolumeStateAvailable)
	return &ec2.DetachVolumeOutput{}, nil
}

func (f *fakeEC2) DeleteVolume(_ context.Context, in *ec2.DeleteVolumeInput, _ ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteVolume")
	delete(f.volumes, aws.ToString(in.VolumeId))
	return &ec2.DeleteVolumeOutput{}, nil
}

func (f *fakeEC2) CreateSnapshot(_ context.Context, in *ec2.CreateSnapshotInput, _ ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateSnapshot")
	f.seq++
	id := fmt.Sprintf("snap-%04d", f.seq)
	f.snapshots[id] = &types.Snapshot{
		SnapshotId:  aws.String(id),
		VolumeId:    in.VolumeId,
		Description: in.Description,
		State:       types.SnapshotStatePending,
	}
	return &ec2.CreateSnapshotOutput{SnapshotId: aws.String(id)}, nil
}

func (f *fakeEC2) DescribeSnapshots(_ context.Context, in *ec2.DescribeSnapshotsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DescribeSnapshots")
	out := &ec2.DescribeSnapshotsOutput{}
	for _, id := range in.SnapshotIds {
		s, ok := f.snapshots[id]
		if !ok {
			continue
		}
		current := *s
		s.State = types.SnapshotStateCompleted
		out.Snapshots = append(out.Snapshots, current)
	}
	return out, nil
}

func (f *fakeEC2) RegisterImage(_ context.Context, in *ec2.RegisterImageInput, _ ...func(*ec2.Options)) (*ec2.RegisterImageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RegisterImage")
	f.seq++
	id := fmt.Sprintf("ami-%04d", f.seq)
	f.images[id] = in
	return &ec2.RegisterImageOutput{ImageId: aws.String(id)}, nil
}

// fakeYandex completes every operation synchronously, like the SDK
// wrapper does once Wait returns.
type fakeYandex struct {
	mu        sync.Mutex
	seq       int
	disks     map[string]*compute.Disk
	snapshots map[string]*compute.Snapshot
	images    map[string]*compute.Image
	calls     []string
	attachErr error
}

func newFakeYandex() *fakeYandex {
	return &fakeYandex{
		disks:     make(map[string]*compute.Disk),
		snapshots: make(map[string]*compute.Snapshot),
		images:    make(map[string]*compute.Image),
	}
}

func (f *fakeYandex) id(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s%04d", prefix, f.seq)
}

func (f *fakeYandex) CreateDisk(_ context.Context, req *compute.CreateDiskRequest) (*compute.Disk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "CreateDisk")
	d := &compute.Disk{
		Id:          f.id("fhm"),
		FolderId:    req.FolderId,
		Name:        req.Name,
		Description: req.Description,
		Labels:      req.Labels,
		TypeId:      req.TypeId,
		ZoneId:      req.ZoneId,
		Size:        req.Size,
	}
	f.disks[d.Id] = d
	return d, nil
}

func (f *fakeYandex) AttachDisk(_ context.Context, req *compute.AttachInstanceDiskRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "AttachDisk")
	if f.attachErr != nil {
		return f.attachErr
	}
	d := f.disks[req.AttachedDiskSpec.GetDiskId()]
	d.InstanceIds = append(d.InstanceIds, req.InstanceId)
	return nil
}

func (f *fakeYandex) DetachDisk(_ context.Context, req *compute.DetachInstanceDiskRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "DetachDisk")
	f.disks[req.GetDiskId()].InstanceIds = nil
	return nil
}

func (f *fakeYandex) CreateSnapshot(_ context.Context, req *compute.CreateSnapshotRequest) (*compute.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "CreateSnapshot")
	s := &compute.Snapshot{
		Id:           f.id("fd8"),
		Name:         req.Name,
		SourceDiskId: req.DiskId,
	}
	f.snapshots[s.Id] = s
	return s, nil
}

func (f *fakeYandex) CreateImage(_ context.Context, req *compute.CreateImageRequest) (*compute.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "CreateImage")
	if _, ok := f.snapshots[req.GetSnapshotId()]; !ok {
		return nil, status.Error(codes.NotFound, "snapshot not found")
	}
	i := &compute.Image{
		Id:   f.id("fd9"),
		Name: req.Name,
	}
	f.images[i.Id] = i
	return i, nil
}

func (f *fakeYandex) DeleteDisk(_ context.Context, req *compute.DeleteDiskRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "DeleteDisk")
	if _, ok := f.disks[req.DiskId]; !ok {
		return status.Error(codes.NotFound, "disk not found")
	}
	delete(f.disks, req.DiskId)
	return nil
}

func (f *fakeYandex) ListDisks(_ context.Context, req *compute.ListDisksRequest) (*compute.ListDisksResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "ListDisks")
	resp := &compute.ListDisksResponse{}
	for _, d := range f.disks {
		if d.FolderId == req.FolderId {
			resp.Disks = append(resp.Disks, d)
		}
	}
	return resp, nil
}

func (f *fakeYandex) diskByName(name string) *compute.Disk {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.disks {
		if d.Name == name {
			return d
		}
	}
	return nil
}
