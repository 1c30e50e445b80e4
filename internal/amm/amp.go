package amm

// AmpRamp describes a linear change of the amplification factor between two
// points in time (unix seconds).
type AmpRamp struct {
	InitAmpFactor   uint64 `json:"init_amp_factor" yaml:"init_amp_factor"`
	TargetAmpFactor uint64 `json:"target_amp_factor" yaml:"target_amp_factor"`
	InitAmpTime     int64  `json:"init_amp_time" yaml:"init_amp_time"`
	StopAmpTime     int64  `json:"stop_amp_time" yaml:"stop_amp_time"`
}

// FixedAmp is a ramp that has already finished at the given factor.
func FixedAmp(a uint64) AmpRamp {
	return AmpRamp{InitAmpFactor: a, TargetAmpFactor: a}
}

// ComputeAmpFactor returns the amplification factor at now. Inside the ramp
// window the factor is interpolated by elapsed/duration; after the window it
// is the target. Before the window opens the initial factor applies.
func (r AmpRamp) ComputeAmpFactor(now int64) uint64 {
	if r.StopAmpTime <= r.InitAmpTime || now >= r.StopAmpTime {
		return r.TargetAmpFactor
	}
	if now <= r.InitAmpTime {
		return r.InitAmpFactor
	}

	elapsed := uint64(now - r.InitAmpTime)
	duration := uint64(r.StopAmpTime - r.InitAmpTime)

	if r.TargetAmpFactor >= r.InitAmpFactor {
		return r.InitAmpFactor + (r.TargetAmpFactor-r.InitAmpFactor)*elapsed/duration
	}
	return r.InitAmpFactor - (r.InitAmpFactor-r.TargetAmpFactor)*elapsed/duration
}

// Ramping reports whether the factor is still moving at now.
func (r AmpRamp) Ramping(now int64) bool {
	return r.StopAmpTime > r.InitAmpTime && now < r.StopAmpTime && r.InitAmpFactor != r.TargetAmpFactor
}

// StartRamp begins a new ramp from the current factor at now towards target,
// finishing at stop.
func (r AmpRamp) StartRamp(now int64, target uint64, stop int64) AmpRamp {
	return AmpRamp{
		InitAmpFactor:   r.ComputeAmpFactor(now),
		TargetAmpFactor: target,
		InitAmpTime:     now,
		StopAmpTime:     stop,
	}
}
