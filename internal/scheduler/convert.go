package scheduler

import (
	"strconv"

	"github.com/gogo/protobuf/proto"
	mesos "github.com/mesos/mesos-go/api/v0/mesosproto"
	util "github.com/mesos/mesos-go/api/v0/mesosutil"

	"github.com/more-free/marathon-core/internal/apptype"
	"github.com/more-free/marathon-core/internal/offer"
	"github.com/more-free/marathon-core/internal/resources"
	"github.com/more-free/marathon-core/internal/task"
)

const wildcardRole = "*"

// offerBundle turns an Offer's flat Resources list into the
// role-tagged Bundle internal/resources and internal/offer operate on,
// covering every SCALAR/RANGES/SET resource an offer may carry.
func offerBundle(o *mesos.Offer) resources.Bundle {
	rs := make([]resources.Resource, 0, len(o.Resources))
	for _, r := range o.Resources {
		role := r.GetRole()
		if role == "" {
			role = wildcardRole
		}
		key := resources.Key{Role: role, Name: r.GetName()}
		switch r.GetType() {
		case mesos.Value_SCALAR:
			rs = append(rs, resources.Resource{Key: key, Type: resources.Scalar, Scalar: r.GetScalar().GetValue()})
		case mesos.Value_RANGES:
			var ranges []resources.Range
			for _, rg := range r.GetRanges().GetRange() {
				ranges = append(ranges, resources.Range{Begin: rg.GetBegin(), End: rg.GetEnd()})
			}
			rs = append(rs, resources.Resource{Key: key, Type: resources.Ranges, Ranges: ranges})
		case mesos.Value_SET:
			rs = append(rs, resources.Resource{Key: key, Type: resources.Set, Set: r.GetSet().GetItem()})
		}
	}
	return resources.Group(rs)
}

// offerAttributes flattens an offer's TEXT and SCALAR attributes into
// the string map internal/offer's constraint evaluator expects.
func offerAttributes(o *mesos.Offer) map[string]string {
	attrs := make(map[string]string, len(o.Attributes))
	for _, a := range o.Attributes {
		switch a.GetType() {
		case mesos.Value_TEXT:
			attrs[a.GetName()] = a.GetText().GetValue()
		case mesos.Value_SCALAR:
			attrs[a.GetName()] = strconv.FormatFloat(a.GetScalar().GetValue(), 'f', -1, 64)
		}
	}
	return attrs
}

// buildTaskInfo renders one matched Launch as a mesos.TaskInfo,
// covering both shell and Docker apps and carrying the ports the
// matcher reserved.
func buildTaskInfo(l offer.Launch, taskID string, slaveID *mesos.SlaveID) *mesos.TaskInfo {
	app := l.App
	info := &mesos.TaskInfo{
		Name:      proto.String(app.ID.Name()),
		TaskId:    &mesos.TaskID{Value: proto.String(taskID)},
		SlaveId:   slaveID,
		Resources: taskResources(app, l.HostPorts),
	}

	if app.Container != nil && app.Container.Engine == apptype.EngineDocker {
		containerType := mesos.ContainerInfo_DOCKER
		info.Container = &mesos.ContainerInfo{
			Type: &containerType,
			Docker: &mesos.ContainerInfo_DockerInfo{
				Image:   proto.String(app.Container.Image),
				Network: dockerNetwork(app.Container.Network),
			},
		}
		info.Command = &mesos.CommandInfo{
			Shell:     proto.Bool(false),
			Value:     proto.String(app.Cmd),
			Arguments: app.Args,
		}
		return info
	}

	info.Command = &mesos.CommandInfo{
		Shell: proto.Bool(true),
		Value: proto.String(app.Cmd),
	}
	return info
}

func dockerNetwork(n apptype.NetworkMode) *mesos.ContainerInfo_DockerInfo_Network {
	var v mesos.ContainerInfo_DockerInfo_Network
	switch n {
	case apptype.NetworkBridge:
		v = mesos.ContainerInfo_DockerInfo_BRIDGE
	case apptype.NetworkNone:
		v = mesos.ContainerInfo_DockerInfo_NONE
	default:
		v = mesos.ContainerInfo_DockerInfo_HOST
	}
	return &v
}

func taskResources(app apptype.AppDefinition, hostPorts []task.HostPort) []*mesos.Resource {
	rs := []*mesos.Resource{
		util.NewScalarResource("cpus", app.CPUs),
		util.NewScalarResource("mem", app.Mem),
	}
	if app.Disk > 0 {
		rs = append(rs, util.NewScalarResource("disk", app.Disk))
	}
	if len(hostPorts) == 0 {
		return rs
	}
	ranges := make([]*mesos.Value_Range, len(hostPorts))
	for i, hp := range hostPorts {
		begin, end := uint64(hp.HostPort), uint64(hp.HostPort)
		ranges[i] = &mesos.Value_Range{Begin: &begin, End: &end}
	}
	rs = append(rs, util.NewRangesResource("ports", ranges))
	return rs
}

func taskStateFromMesos(s mesos.TaskState) task.State {
	switch s {
	case mesos.TaskState_TASK_STAGING, mesos.TaskState_TASK_STARTING:
		return task.StateStaging
	case mesos.TaskState_TASK_RUNNING:
		return task.StateRunning
	case mesos.TaskState_TASK_FINISHED:
		return task.StateFinished
	case mesos.TaskState_TASK_FAILED:
		return task.StateFailed
	case mesos.TaskState_TASK_KILLED:
		return task.StateKilled
	case mesos.TaskState_TASK_LOST:
		return task.StateLost
	default:
		return task.StateError
	}
}

func mesosState(s task.State) mesos.TaskState {
	switch s {
	case task.StateStaging:
		return mesos.TaskState_TASK_STAGING
	case task.StateRunning:
		return mesos.TaskState_TASK_RUNNING
	case task.StateFinished:
		return mesos.TaskState_TASK_FINISHED
	case task.StateFailed:
		return mesos.TaskState_TASK_FAILED
	case task.StateKilled:
		return mesos.TaskState_TASK_KILLED
	case task.StateLost:
		return mesos.TaskState_TASK_LOST
	default:
		return mesos.TaskState_TASK_ERROR
	}
}
