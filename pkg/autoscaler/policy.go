package autoscaler

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/kart-io/watchtower/pkg/config"
	"github.com/kart-io/watchtower/pkg/instance"
)

const (
	// queuePressureScale maps queue depth onto the 0..1 pressure range.
	queuePressureScale = 1000

	// Scale-down triggers when at least scaleDownQuorum of the three
	// utilization conditions hold.
	scaleDownQuorum      = 2
	scaleDownCPUFactor   = 0.7
	scaleDownMemFactor   = 0.7
	scaleDownQueueFactor = 0.5

	// Predictive policy: samples retained per evaluation, minimum needed
	// for a fit, and the per-second slope thresholds that trigger growth.
	predictorWindow     = 10 * time.Minute
	predictorMinSamples = 3
	queueSlopeThreshold = 0.1
	cpuSlopeThreshold   = 0.05
)

// Snapshot is the per-evaluation metrics view the policies act on.
// Averages run over Running instances; ActiveInstances counts only the
// Running ones the monitor has verified healthy.
type Snapshot struct {
	AvgCPU                 float64       `json:"avg_cpu"`
	AvgMemory              float64       `json:"avg_memory"`
	AvgResponseTime        time.Duration `json:"avg_response_time"`
	TotalThroughput        float64       `json:"total_throughput"`
	QueueDepth             int           `json:"queue_depth"`
	HighPriorityQueueDepth int           `json:"high_priority_queue_depth"`
	ErrorRate              float64       `json:"error_rate"`
	ActiveInstances        int           `json:"active_instances"`
	CPUPressure            float64       `json:"cpu_pressure"`
	MemoryPressure         float64       `json:"memory_pressure"`
	QueuePressure          float64       `json:"queue_pressure"`
}

// poolView is the lifecycle census behind the caps: provisioned counts
// Starting and Running instances, so warming instances already reserve
// their slot below maxInstances.
type poolView struct {
	total       int
	provisioned int
	draining    int
	active      int
}

// observe assembles the metrics snapshot and the lifecycle census in one
// pass over the registry. Caller holds evalMu.
func (a *Autoscaler) observe() (Snapshot, poolView) {
	qm := a.queue.Metrics()

	var view poolView
	var sumCPU, sumMem, sumErr, sumTput float64
	var sumResp time.Duration
	running := 0

	for _, inst := range a.registry.List() {
		view.total++
		switch inst.Status() {
		case instance.StatusStarting:
			view.provisioned++
		case instance.StatusRunning:
			view.provisioned++
			running++
			m := inst.Metrics()
			sumCPU += m.CPUPercent
			sumMem += m.MemoryPercent
			sumErr += m.ErrorRate
			sumTput += m.EventsPerSecond
			sumResp += m.AvgResponseTime
			if inst.Health() == instance.HealthHealthy {
				view.active++
			}
		case instance.StatusDraining:
			view.draining++
		}
	}

	snap := Snapshot{
		TotalThroughput:        sumTput,
		QueueDepth:             qm.CurrentSize,
		HighPriorityQueueDepth: a.queue.HighPriorityLen(),
		ActiveInstances:        view.active,
	}
	if running > 0 {
		n := float64(running)
		snap.AvgCPU = sumCPU / n
		snap.AvgMemory = sumMem / n
		snap.ErrorRate = sumErr / n
		snap.AvgResponseTime = sumResp / time.Duration(running)
	}
	snap.CPUPressure = math.Min(1, snap.AvgCPU/100)
	snap.MemoryPressure = math.Min(1, snap.AvgMemory/100)
	snap.QueuePressure = math.Min(1, float64(snap.QueueDepth)/queuePressureScale)
	return snap, view
}

// planScaleUp runs the configured policy and returns how many instances
// to add with the reason. Zero means no growth; the reason then explains
// the skip.
func (a *Autoscaler) planScaleUp(snap Snapshot) (int, string) {
	switch a.cfg.PolicyType {
	case config.PolicyTargetTracking:
		return a.planTargetTracking(snap)
	case config.PolicyStepScaling:
		return a.planStepScaling(snap)
	case config.PolicyPredictive:
		return a.planPredictive()
	}
	return 0, "unknown_policy"
}

// planTargetTracking grows the pool proportionally to the worst breach:
// the breached metric's ratio to its target scales the active count up,
// capped at the scale-out step.
func (a *Autoscaler) planTargetTracking(snap Snapshot) (int, string) {
	type breach struct {
		name   string
		factor float64
	}
	var breaches []breach
	if t := a.cfg.TargetCPUPercent; t > 0 && snap.AvgCPU > t {
		breaches = append(breaches, breach{"cpu", snap.AvgCPU / t})
	}
	if t := a.cfg.TargetMemoryPercent; t > 0 && snap.AvgMemory > t {
		breaches = append(breaches, breach{"memory", snap.AvgMemory / t})
	}
	if t := a.cfg.TargetQueueDepth; t > 0 && snap.QueueDepth > t {
		breaches = append(breaches, breach{"queue_depth", float64(snap.QueueDepth) / float64(t)})
	}
	if t := time.Duration(a.cfg.TargetResponseTimeMs) * time.Millisecond; t > 0 && snap.AvgResponseTime > t {
		breaches = append(breaches, breach{"response_time", float64(snap.AvgResponseTime) / float64(t)})
	}
	if len(breaches) == 0 {
		return 0, "within_targets"
	}

	worst := lo.MaxBy(breaches, func(x, max breach) bool { return x.factor > max.factor })
	desired := int(math.Ceil(float64(snap.ActiveInstances)*worst.factor)) - snap.ActiveInstances
	if desired < 1 {
		desired = 1
	}
	if desired > a.cfg.MaxScaleOutStep {
		desired = a.cfg.MaxScaleOutStep
	}
	return desired, fmt.Sprintf("%s at %.2fx target", worst.name, worst.factor)
}

// planStepScaling picks the step size from the worst relative breach over
// CPU, memory and queue depth.
func (a *Autoscaler) planStepScaling(snap Snapshot) (int, string) {
	maxBreach := 0.0
	name := ""
	consider := func(metric, target float64, n string) {
		if target <= 0 {
			return
		}
		if b := (metric - target) / target; b > maxBreach {
			maxBreach = b
			name = n
		}
	}
	consider(snap.AvgCPU, a.cfg.TargetCPUPercent, "cpu")
	consider(snap.AvgMemory, a.cfg.TargetMemoryPercent, "memory")
	consider(float64(snap.QueueDepth), float64(a.cfg.TargetQueueDepth), "queue_depth")

	if maxBreach <= 0 {
		return 0, "within_targets"
	}
	var add int
	switch {
	case maxBreach > 0.5:
		add = a.cfg.MaxScaleOutStep
	case maxBreach > 0.2:
		add = lo.Max([]int{2, a.cfg.MaxScaleOutStep / 2})
	default:
		add = 1
	}
	return add, fmt.Sprintf("%s breach %.0f%%", name, maxBreach*100)
}

// planPredictive adds one instance when both the queue-depth and CPU
// trends are rising. It needs enough history to fit a line.
func (a *Autoscaler) planPredictive() (int, string) {
	queueSlope, cpuSlope, ok := a.predictor.slopes()
	if !ok {
		return 0, "insufficient_history"
	}
	if queueSlope > queueSlopeThreshold && cpuSlope > cpuSlopeThreshold {
		return 1, fmt.Sprintf("rising load: queue %.2f/s, cpu %.3f/s", queueSlope, cpuSlope)
	}
	return 0, "no_predicted_growth"
}

// planScaleDown applies the conservative shared rule: at least two of the
// three utilization conditions must hold, and the pool never shrinks
// below minInstances.
func (a *Autoscaler) planScaleDown(snap Snapshot, view poolView) (int, string) {
	if view.provisioned <= a.instCfg.MinInstances {
		return 0, ""
	}

	var quiet []string
	if t := a.cfg.TargetCPUPercent; t > 0 && snap.AvgCPU < scaleDownCPUFactor*t {
		quiet = append(quiet, "cpu")
	}
	if t := a.cfg.TargetMemoryPercent; t > 0 && snap.AvgMemory < scaleDownMemFactor*t {
		quiet = append(quiet, "memory")
	}
	if t := a.cfg.TargetQueueDepth; t > 0 && float64(snap.QueueDepth) < scaleDownQueueFactor*float64(t) {
		quiet = append(quiet, "queue_depth")
	}
	if len(quiet) < scaleDownQuorum {
		return 0, ""
	}

	remove := a.cfg.MaxScaleInStep
	if room := view.provisioned - a.instCfg.MinInstances; remove > room {
		remove = room
	}
	return remove, "underutilized: " + strings.Join(quiet, ", ")
}

// predictor keeps one load sample per evaluation for the predictive
// policy. Access is serialized by evalMu.
type predictor struct {
	window  time.Duration
	samples []loadSample
}

type loadSample struct {
	at    time.Time
	queue float64
	cpu   float64
}

func newPredictor(window time.Duration) *predictor {
	return &predictor{window: window}
}

// observe appends one sample and prunes those outside the window.
func (p *predictor) observe(now time.Time, snap Snapshot) {
	p.samples = append(p.samples, loadSample{at: now, queue: float64(snap.QueueDepth), cpu: snap.AvgCPU})
	cutoff := now.Add(-p.window)
	i := 0
	for i < len(p.samples) && p.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		p.samples = append(p.samples[:0], p.samples[i:]...)
	}
}

// slopes fits least-squares lines through the retained samples and
// returns the per-second slopes of queue depth and average CPU. ok is
// false with fewer than predictorMinSamples samples.
func (p *predictor) slopes() (queueSlope, cpuSlope float64, ok bool) {
	n := len(p.samples)
	if n < predictorMinSamples {
		return 0, 0, false
	}

	base := p.samples[0].at
	var sumX, sumXX, sumQ, sumXQ, sumC, sumXC float64
	for _, s := range p.samples {
		x := s.at.Sub(base).Seconds()
		sumX += x
		sumXX += x * x
		sumQ += s.queue
		sumXQ += x * s.queue
		sumC += s.cpu
		sumXC += x * s.cpu
	}

	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0, false
	}
	return (nf*sumXQ - sumX*sumQ) / denom, (nf*sumXC - sumX*sumC) / denom, true
}
