package daemon

import (
	"github.com/msageha/devfleet/internal/uds"
)

// registerHandlers wires the control socket commands to the running scheduler. Params are
// validated by the server before a handler runs.
func (d *Daemon) registerHandlers(srv *uds.Server) {
	srv.Handle(uds.CmdPing, func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(uds.PingResult{Status: "ok", RunID: d.runID})
	})

	srv.Handle(uds.CmdStatus, func(*uds.Request) *uds.Response {
		d.mu.Lock()
		sched := d.sched
		d.mu.Unlock()
		if sched == nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, "scheduler not started")
		}
		return uds.SuccessResponse(sched.Status())
	})

	srv.Handle(uds.CmdPauseRestarts, func(req *uds.Request) *uds.Response {
		var p uds.PauseParams
		if err := req.DecodeParams(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		d.sched.Liveness().PauseRestarts(p.Reason)
		d.logger.Warnf("restarts_paused reason=%q", p.Reason)
		return uds.SuccessResponse(d.restartState())
	})

	srv.Handle(uds.CmdResumeRestarts, func(*uds.Request) *uds.Response {
		d.sched.Liveness().ResumeRestarts()
		d.logger.Infof("restarts_resume_requested")
		return uds.SuccessResponse(d.restartState())
	})

	srv.Handle(uds.CmdStop, func(req *uds.Request) *uds.Response {
		var p uds.StopParams
		if err := req.DecodeParams(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		d.Stop(p.Force)
		return uds.SuccessResponse(uds.StopResult{Status: "stopping", Force: p.Force})
	})
}

func (d *Daemon) restartState() uds.RestartState {
	paused, reason := d.sched.Liveness().RestartsPaused()
	return uds.RestartState{Paused: paused, Reason: reason}
}
