package provisioning

import (
	"context"
	"errors"

	"bootimage/internal/config"
	"bootimage/internal/gce"
	"bootimage/internal/gce/gcetest"
	"bootimage/internal/imaging"
	"bootimage/internal/poll"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/compute/v1"
	gcompute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
)

const (
	project  = "proj"
	zone     = "us-central1-a"
	instance = "builder"
)

var _ = Describe("GCP image build", func() {
	var (
		ctx     context.Context
		fake    *gcetest.Fake
		tool    *fakeTool
		devices *fakeDevices
		opts    GCPOptions
	)

	newBuilder := func() *GCPBuilder {
		exec := gce.NewExecutor(fake, project, zone, gce.WithSleep(noSleep))
		return NewGCPBuilder(exec, tool, devices, instance, opts)
	}

	BeforeEach(func() {
		ctx = context.Background()
		fake = gcetest.New(project, zone)
		fake.AddInstance(instance)
		tool = &fakeTool{}
		devices = &fakeDevices{}
		opts = GCPOptions{}
	})

	Context("when every operation reports RUNNING then DONE", func() {
		It("registers an image with the requested name", func() {
			img, err := newBuilder().Build(ctx, Request{Name: "test-image", Input: "alpine.qcow2"})
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Name).To(Equal("test-image"))
			Expect(img.Provider).To(Equal(config.ProviderGCP))

			registered, ok := fake.Image("test-image")
			Expect(ok).To(BeTrue())
			Expect(registered.SourceSnapshot).To(Equal("projects/proj/global/snapshots/test-image-snap"))
			Expect(registered.SourceDisk).To(BeEmpty())
		})

		It("runs the disk lifecycle in order", func() {
			_, err := newBuilder().Build(ctx, Request{Name: "test-image", Input: "alpine.qcow2"})
			Expect(err).NotTo(HaveOccurred())

			var submitted []string
			for _, c := range fake.Calls() {
				if c != "GetZoneOperation" && c != "GetGlobalOperation" {
					submitted = append(submitted, c)
				}
			}
			Expect(submitted).To(Equal([]string{
				"InsertDisk", "AttachDisk", "DetachDisk", "CreateSnapshot", "InsertImage", "DeleteDisk",
			}))
			Expect(fake.CountCalls("GetGlobalOperation")).To(Equal(2))
			Expect(fake.CountCalls("GetZoneOperation")).To(Equal(10))
		})

		It("sizes the disk, waits for the device and copies onto it", func() {
			tool.size = 3*imaging.GiB + 1
			builder := newBuilder()
			builder.opts.KeepDisk = true
			_, err := builder.Build(ctx, Request{Name: "test-image", Input: "alpine.qcow2"})
			Expect(err).NotTo(HaveOccurred())

			disk, ok := fake.Disk("test-image")
			Expect(ok).To(BeTrue())
			Expect(disk.SizeGb).To(Equal(int64(4)))
			Expect(disk.Description).To(Equal("bootimage-test-image"))
			Expect(disk.Type).To(Equal("projects/proj/zones/us-central1-a/diskTypes/pd-standard"))
			Expect(disk.Users).To(BeEmpty())

			Expect(devices.waited).To(Equal([]string{"/dev/disk/by-id/google-test-image"}))
			Expect(tool.converted).To(Equal([]string{"alpine.qcow2 -> /dev/disk/by-id/google-test-image"}))

			snap, ok := fake.Snapshot("test-image-snap")
			Expect(ok).To(BeTrue())
			Expect(snap.SourceDisk).To(Equal("test-image"))
		})

		It("deletes the intermediate disk by default", func() {
			_, err := newBuilder().Build(ctx, Request{Name: "test-image", Input: "alpine.qcow2"})
			Expect(err).NotTo(HaveOccurred())
			_, ok := fake.Disk("test-image")
			Expect(ok).To(BeFalse())
		})

		It("registers from the disk when configured", func() {
			opts.ImageSource = config.ImageSourceDisk
			opts.KeepDisk = true
			img, err := newBuilder().Build(ctx, Request{Name: "test-image", Input: "alpine.qcow2"})
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Source).To(Equal("zones/us-central1-a/disks/test-image"))

			registered, _ := fake.Image("test-image")
			Expect(registered.SourceDisk).To(Equal("zones/us-central1-a/disks/test-image"))
			Expect(registered.SourceSnapshot).To(BeEmpty())
		})
	})

	Context("when a step fails", func() {
		It("returns the submission error and stops", func() {
			denied := &googleapi.Error{Code: 403, Message: "forbidden"}
			fake.SubmitErrors = map[string]error{"AttachDisk": denied}

			_, err := newBuilder().Build(ctx, Request{Name: "test-image", Input: "alpine.qcow2"})
			Expect(err).To(MatchError(ContainSubstring("failed to attach disk")))
			Expect(errors.Is(err, denied)).To(BeTrue())
			Expect(fake.CountCalls("InsertImage")).To(BeZero())
			Expect(tool.converted).To(BeEmpty())
		})

		It("reports provider errors on a finished operation", func() {
			fake.DoneErrors = map[string]*gcompute.OperationError{
				"CreateSnapshot": {Errors: []*gcompute.OperationErrorErrors{{Code: "QUOTA_EXCEEDED", Message: "snapshots quota"}}},
			}

			_, err := newBuilder().Build(ctx, Request{Name: "test-image", Input: "alpine.qcow2"})
			var opErr *gce.OperationError
			Expect(errors.As(err, &opErr)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("QUOTA_EXCEEDED"))
			Expect(fake.CountCalls("InsertImage")).To(BeZero())
		})

		It("gives up when an operation never finishes", func() {
			fake.RunningPolls = 1000
			exec := gce.NewExecutor(fake, project, zone, gce.WithSleep(noSleep), gce.WithTimeouts(gce.Timeouts{DiskInsert: 2}))
			builder := NewGCPBuilder(exec, tool, devices, instance, opts)

			_, err := builder.Build(ctx, Request{Name: "test-image", Input: "alpine.qcow2"})
			Expect(errors.Is(err, poll.ErrLoopExceeded)).To(BeTrue())
			Expect(fake.CountCalls("GetZoneOperation")).To(Equal(3))
		})

		It("fails when the device never appears", func() {
			devices.err = &poll.LoopExceededError{What: "device", Attempts: 3}
			_, err := newBuilder().Build(ctx, Request{Name: "test-image", Input: "alpine.qcow2"})
			Expect(errors.Is(err, poll.ErrLoopExceeded)).To(BeTrue())
			Expect(fake.CountCalls("DetachDisk")).To(BeZero())
		})

		It("rejects invalid names before touching the API", func() {
			_, err := newBuilder().Build(ctx, Request{Name: "Bad_Name", Input: "alpine.qcow2"})
			Expect(err).To(HaveOccurred())
			Expect(fake.Calls()).To(BeEmpty())
		})
	})

	Describe("Cleanup", func() {
		It("deletes unattached leftover disks only", func() {
			fake.AddDisk(&gcompute.Disk{Name: "old-a", Description: "bootimage-old-a"})
			fake.AddDisk(&gcompute.Disk{Name: "old-b", Description: "bootimage-old-b"})
			fake.AddDisk(&gcompute.Disk{Name: "busy", Description: "bootimage-busy", Users: []string{"builder"}})
			fake.AddDisk(&gcompute.Disk{Name: "data", Description: "database volume"})
			opts.Workers = 2

			deleted, err := newBuilder().Cleanup(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(Equal(2))

			for name, want := range map[string]bool{"old-a": false, "old-b": false, "busy": true, "data": true} {
				_, ok := fake.Disk(name)
				Expect(ok).To(Equal(want), name)
			}
			Expect(fake.MaxInFlight()).To(Equal(1))
		})
	})
})

var _ = Describe("AWS image build", func() {
	var (
		ctx     context.Context
		client  *fakeEC2
		tool    *fakeTool
		devices *fakeDevices
		opts    AWSOptions
	)

	newBuilder := func() *AWSBuilder {
		b := NewAWSBuilder(client, tool, devices, "i-0abc", "eu-west-1a", opts)
		b.sleep = noSleep
		return b
	}

	BeforeEach(func() {
		ctx = context.Background()
		client = newFakeEC2()
		client.pendingReads = 1
		tool = &fakeTool{}
		devices = &fakeDevices{nitro: true}
		opts = AWSOptions{Timeouts: config.Default().Timeouts, Workers: 2}
	})

	It("registers an AMI from the volume snapshot", func() {
		img, err := newBuilder().Build(ctx, Request{Name: "test-image", Input: "alpine.qcow2"})
		Expect(err).NotTo(HaveOccurred())
		Expect(img.Name).To(Equal("test-image"))
		Expect(img.ID).To(HavePrefix("ami-"))
		Expect(img.Provider).To(Equal(config.ProviderAWS))

		in := client.images[img.ID]
		Expect(aws.ToString(in.Name)).To(Equal("test-image"))
		Expect(in.Architecture).To(Equal(types.ArchitectureValuesX8664))
		Expect(aws.ToString(in.VirtualizationType)).To(Equal("hvm"))
		Expect(aws.ToBool(in.EnaSupport)).To(BeTrue())
		Expect(aws.ToString(in.RootDeviceName)).To(Equal("xvda"))
		Expect(in.BlockDeviceMappings).To(HaveLen(1))
		Expect(aws.ToString(in.BlockDeviceMappings[0].Ebs.SnapshotId)).To(Equal(img.Source))
		Expect(aws.ToBool(in.BlockDeviceMappings[0].Ebs.DeleteOnTermination)).To(BeTrue())
	})

	It("attaches as xvdf and copies onto the resolved device", func() {
		_, err := newBuilder().Build(ctx, Request{Name: "test-image", Input: "alpine.qcow2"})
		Expect(err).NotTo(HaveOccurred())
		Expect(client.calls).To(ContainElement("AttachVolume xvdf"))
		device := "/dev/disk/by-id/nvme-Amazon_Elastic_Block_Store_vol0001"
		Expect(devices.waited).To(Equal([]string{device}))
		Expect(tool.converted).To(Equal([]string{"alpine.qcow2 -> " + device}))
		Expect(client.volumes).To(BeEmpty())
	})

	It("copies onto the requested name on Xen instances", func() {
		devices.nitro = false
		_, err := newBuilder().Build(ctx, Request{Name: "test-image", Input: "alpine.qcow2"})
		Expect(err).NotTo(HaveOccurred())
		Expect(tool.converted).To(Equal([]string{"alpine.qcow2 -> /dev/xvdf"}))
	})

	It("keeps the volume when asked to", func() {
		opts.KeepDisk = true
		_, err := newBuilder().Build(ctx, Request{Name: "test-image", Input: "alpine.qcow2"})
		Expect(err).NotTo(HaveOccurred())
		Expect(client.volumes).To(HaveLen(1))
		Expect(client.calls).NotTo(ContainElement("DeleteVolume"))
	})

	It("gives up when the volume never becomes available", func() {
		client.pendingReads = 1000
		opts.Timeouts.DiskInsert = 2
		_, err := newBuilder().Build(ctx, Request{Name: "test-image", Input: "alpine.qcow2"})
		Expect(errors.Is(err, poll.ErrLoopExceeded)).To(BeTrue())
		Expect(client.calls).NotTo(ContainElement("AttachVolume xvdf"))
	})

	It("cleans up tagged available volumes", func() {
		client.pendingReads = 0
		opts.KeepDisk = true
		_, err := newBuilder().Build(ctx, Request{Name: "test-image", Input: "alpine.qcow2"})
		Expect(err).NotTo(HaveOccurred())

		deleted, err := newBuilder().Cleanup(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(deleted).To(Equal(1))
		Expect(client.volumes).To(BeEmpty())
	})
})

var _ = Describe("Yandex Cloud image build", func() {
	var (
		ctx     context.Context
		api     *fakeYandex
		tool    *fakeTool
		devices *fakeDevices
		opts    YandexOptions
	)

	newBuilder := func() *YandexBuilder {
		return NewYandexBuilder(api, tool, devices, "fhm-instance", "ru-central1-a", opts)
	}

	BeforeEach(func() {
		ctx = context.Background()
		api = newFakeYandex()
		tool = &fakeTool{}
		devices = &fakeDevices{}
		opts = YandexOptions{FolderID: "b1g", Workers: 2}
	})

	It("creates an image from the snapshot of the written disk", func() {
		img, err := newBuilder().Build(ctx, Request{Name: "test-image", Input: "alpine.qcow2"})
		Expect(err).NotTo(HaveOccurred())
		Expect(img.Name).To(Equal("test-image"))
		Expect(img.Provider).To(Equal(config.ProviderYandexCloud))
		Expect(api.images).To(HaveKey(img.ID))
		Expect(api.snapshots[img.Source].Name).To(Equal("test-image-snap"))

		Expect(api.calls).To(Equal([]string{
			"CreateDisk", "AttachDisk", "DetachDisk", "CreateSnapshot", "CreateImage", "DeleteDisk",
		}))
		Expect(devices.waited).To(Equal([]string{"/dev/disk/by-id/virtio-test-image"}))
		Expect(api.disks).To(BeEmpty())
	})

	It("sizes the disk in bytes and labels it", func() {
		opts.KeepDisk = true
		tool.size = 2 * imaging.GiB
		_, err := newBuilder().Build(ctx, Request{Name: "test-image", Input: "alpine.qcow2"})
		Expect(err).NotTo(HaveOccurred())

		disk := api.diskByName("test-image")
		Expect(disk).NotTo(BeNil())
		Expect(disk.Size).To(Equal(2 * imaging.GiB))
		Expect(disk.TypeId).To(Equal("network-hdd"))
		Expect(disk.Labels).To(HaveKeyWithValue("bootimage", "test-image"))
	})

	It("stops when attaching fails", func() {
		api.attachErr = errors.New("instance is busy")
		_, err := newBuilder().Build(ctx, Request{Name: "test-image", Input: "alpine.qcow2"})
		Expect(err).To(MatchError(ContainSubstring("failed to attach disk")))
		Expect(api.calls).NotTo(ContainElement("CreateSnapshot"))
	})

	It("cleans up unattached labelled disks", func() {
		api.disks["fhm-old"] = &compute.Disk{Id: "fhm-old", FolderId: "b1g", Name: "old", Labels: map[string]string{"bootimage": "old"}}
		api.disks["fhm-busy"] = &compute.Disk{Id: "fhm-busy", FolderId: "b1g", Name: "busy", Labels: map[string]string{"bootimage": "busy"}, InstanceIds: []string{"fhm-instance"}}
		api.disks["fhm-data"] = &compute.Disk{Id: "fhm-data", FolderId: "b1g", Name: "data"}

		deleted, err := newBuilder().Cleanup(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(deleted).To(Equal(1))
		Expect(api.disks).To(HaveKey("fhm-busy"))
		Expect(api.disks).To(HaveKey("fhm-data"))
		Expect(api.disks).NotTo(HaveKey("fhm-old"))
	})
})
