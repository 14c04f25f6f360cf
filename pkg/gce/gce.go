// Package gce is the thin layer over the compute and resource manager
// apis. Everything above it talks in vm.Ref/vm.Instance/vm.Operation
// and never sees an api struct other than the instance/firewall
// resources handed to Insert*.
package gce

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/cloudresourcemanager/v3"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"gcetools/pkg/vm"
)

var ErrAlreadyExists = errors.New("already exists")

type Project struct {
	ID          string
	DisplayName string
	State       string
}

type Client struct {
	svc *compute.Service
	crm *cloudresourcemanager.Service
}

// New sets up both services. An empty credentialsFile means
// application default credentials.
func New(ctx context.Context, credentialsFile string) (*Client, error) {
	return newClient(ctx, credentialsFile)
}

// The token source keeps ctx for refreshes, it must outlive a ctrl-c so
// a drained operation can still poll.
func newClient(ctx context.Context, credentialsFile string, extra ...option.ClientOption) (*Client, error) {
	ctx = context.WithoutCancel(ctx)

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	} else {
		c, err := google.DefaultClient(ctx, compute.CloudPlatformScope)
		if err != nil {
			return nil, errors.Wrap(err, "application default credentials")
		}
		opts = append(opts, option.WithHTTPClient(c))
	}
	return NewWithOptions(ctx, append(opts, extra...)...)
}

func NewWithOptions(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	svc, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "compute service")
	}
	crm, err := cloudresourcemanager.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "resource manager service")
	}
	return &Client{svc: svc, crm: crm}, nil
}

// SearchProjects returns the ACTIVE projects the credentials can see.
func (c *Client) SearchProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	err := c.crm.Projects.Search().Context(ctx).Pages(ctx, func(page *cloudresourcemanager.SearchProjectsResponse) error {
		for _, p := range page.Projects {
			if p.State != "ACTIVE" {
				continue
			}
			out = append(out, Project{ID: p.ProjectId, DisplayName: p.DisplayName, State: p.State})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "searching projects")
	}
	return out, nil
}

func (c *Client) GetInstance(ctx context.Context, ref vm.Ref) (vm.Instance, error) {
	inst, err := c.svc.Instances.Get(ref.Project, ref.Zone, ref.Name).Context(ctx).Do()
	if err != nil {
		return vm.Instance{}, errors.Wrapf(err, "getting %s", ref)
	}
	return instanceFromAPI(ref.Project, inst), nil
}

// ListInstances walks the aggregated list so every zone shows up,
// sorted by zone then name.
func (c *Client) ListInstances(ctx context.Context, project string) ([]vm.Instance, error) {
	var out []vm.Instance
	err := c.svc.Instances.AggregatedList(project).Context(ctx).Pages(ctx, func(page *compute.InstanceAggregatedList) error {
		for _, scoped := range page.Items {
			for _, inst := range scoped.Instances {
				out = append(out, instanceFromAPI(project, inst))
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing instances in %s", project)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Zone != out[j].Zone {
			return out[i].Zone < out[j].Zone
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (c *Client) StartInstance(ctx context.Context, ref vm.Ref) (vm.Operation, error) {
	op, err := c.svc.Instances.Start(ref.Project, ref.Zone, ref.Name).RequestId(uuid.NewString()).Context(ctx).Do()
	if err != nil {
		return vm.Operation{}, errors.Wrapf(err, "starting %s", ref)
	}
	return operationFromAPI(ref.Project, op), nil
}

func (c *Client) StopInstance(ctx context.Context, ref vm.Ref) (vm.Operation, error) {
	op, err := c.svc.Instances.Stop(ref.Project, ref.Zone, ref.Name).RequestId(uuid.NewString()).Context(ctx).Do()
	if err != nil {
		return vm.Operation{}, errors.Wrapf(err, "stopping %s", ref)
	}
	return operationFromAPI(ref.Project, op), nil
}

// Image self link for the newest image in a family.
func (c *Client) ImageFromFamily(ctx context.Context, project, family string) (string, error) {
	img, err := c.svc.Images.GetFromFamily(project, family).Context(ctx).Do()
	if err != nil {
		return "", errors.Wrapf(err, "image family %s/%s", project, family)
	}
	return img.SelfLink, nil
}

func (c *Client) InsertInstance(ctx context.Context, project, zone string, inst *compute.Instance) (vm.Operation, error) {
	op, err := c.svc.Instances.Insert(project, zone, inst).RequestId(uuid.NewString()).Context(ctx).Do()
	if err != nil {
		if conflict(err) {
			return vm.Operation{}, errors.Wrapf(ErrAlreadyExists, "instance %s", inst.Name)
		}
		return vm.Operation{}, errors.Wrapf(err, "creating instance %s", inst.Name)
	}
	return operationFromAPI(project, op), nil
}

// InsertFirewall creates the rule and waits for it to land. A rule of
// the same name comes back as ErrAlreadyExists.
func (c *Client) InsertFirewall(ctx context.Context, project string, rule *compute.Firewall) error {
	op, err := c.svc.Firewalls.Insert(project, rule).RequestId(uuid.NewString()).Context(ctx).Do()
	if err != nil {
		if conflict(err) {
			return errors.Wrapf(ErrAlreadyExists, "firewall rule %s", rule.Name)
		}
		return errors.Wrapf(err, "creating firewall rule %s", rule.Name)
	}
	return c.AwaitOperation(ctx, operationFromAPI(project, op))
}

// AwaitOperation keeps calling the Wait endpoint, which returns after
// roughly two minutes whether or not the operation is done, until the
// status is DONE.
func (c *Client) AwaitOperation(ctx context.Context, op vm.Operation) error {
	for {
		var (
			res *compute.Operation
			err error
		)
		if op.Global() {
			res, err = c.svc.GlobalOperations.Wait(op.Project, op.Name).Context(ctx).Do()
		} else {
			res, err = c.svc.ZoneOperations.Wait(op.Project, op.Zone, op.Name).Context(ctx).Do()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrapf(err, "waiting on operation %s", op.Name)
		}
		if res.Status == "DONE" {
			return operationError(res)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Instance addresses and the vpc network name come off the first nic.
func instanceFromAPI(project string, inst *compute.Instance) vm.Instance {
	out := vm.Instance{
		Ref:         vm.Ref{Project: project, Zone: lastSegment(inst.Zone), Name: inst.Name},
		Status:      vm.ParseStatus(inst.Status),
		CPUPlatform: inst.CpuPlatform,
	}
	if len(inst.NetworkInterfaces) > 0 {
		nic := inst.NetworkInterfaces[0]
		out.Network = lastSegment(nic.Network)
		out.InternalIP = nic.NetworkIP
		for _, ac := range nic.AccessConfigs {
			if ac.NatIP != "" {
				out.ExternalIP = ac.NatIP
				break
			}
		}
	}
	return out
}

func operationFromAPI(project string, op *compute.Operation) vm.Operation {
	return vm.Operation{Project: project, Zone: lastSegment(op.Zone), Name: op.Name}
}

// Error payload on a finished operation, nil if there isn't one.
func operationError(op *compute.Operation) error {
	if op.Error == nil || len(op.Error.Errors) == 0 {
		return nil
	}
	details := make([]string, 0, len(op.Error.Errors))
	for _, e := range op.Error.Errors {
		details = append(details, e.Code+": "+e.Message)
	}
	return &vm.RemoteOperationFailure{Operation: op.Name, Detail: strings.Join(details, "; ")}
}

func conflict(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusConflict
}

// Zones/networks come back as full urls, we just want the name.
func lastSegment(url string) string {
	if i := strings.LastIndex(url, "/"); i >= 0 {
		return url[i+1:]
	}
	return url
}
