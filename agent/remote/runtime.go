package remote

import (
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/teranos/drover/agent"
	"github.com/teranos/drover/version"
)

// Reporter assembles the runtime snapshot an agent sends with each ping
type Reporter struct {
	uuid      string
	workDir   string
	resources []string
	elastic   agent.ElasticMetadata

	mu       sync.Mutex
	status   agent.RuntimeStatus
	building agent.BuildingInfo

	// usage is replaceable in tests
	usage func(path string) (*disk.UsageStat, error)
}

// NewReporter creates an idle reporter. An empty id generates a fresh uuid.
func NewReporter(id, workDir string, resources []string, elastic agent.ElasticMetadata) *Reporter {
	if id == "" {
		id = uuid.NewString()
	}
	if workDir == "" {
		workDir = "."
	}
	return &Reporter{
		uuid:      id,
		workDir:   workDir,
		resources: resources,
		elastic:   elastic,
		status:    agent.RuntimeIdle,
		usage:     disk.Usage,
	}
}

// UUID of the reporting agent
func (r *Reporter) UUID() string {
	return r.uuid
}

// SetBuilding records the job this agent is running
func (r *Reporter) SetBuilding(info agent.BuildingInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = agent.RuntimeBuilding
	r.building = info
}

// SetCancelled records that the running job has been cancelled
func (r *Reporter) SetCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == agent.RuntimeBuilding {
		r.status = agent.RuntimeCancelled
	}
}

// SetIdle records that no job is running
func (r *Reporter) SetIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = agent.RuntimeIdle
	r.building = agent.NotBuilding
}

// Snapshot builds the runtime info for the next ping
func (r *Reporter) Snapshot() agent.RuntimeInfo {
	r.mu.Lock()
	status, building := r.status, r.building
	r.mu.Unlock()

	hostname, _ := os.Hostname()
	info := agent.RuntimeInfo{
		UUID:      r.uuid,
		Hostname:  hostname,
		IPAddress: outboundIP(),
		Location:  r.workDir,
		Status:    status,
		Building:  building,
		Version:   version.Get().Version,
		Resources: r.resources,
		Elastic:   r.elastic,
	}
	if u, err := r.usage(r.workDir); err == nil {
		free := int64(u.Free)
		info.UsableSpace = &free
	}
	return info
}

// outboundIP picks the first non-loopback IPv4 address
func outboundIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return ""
}
