// Package scheduler triggers crankd's housekeeping jobs on cron or interval
// schedules. It only decides when a job is due; the run itself goes through
// the task engine like any other task, so timeouts and history are shared.
package scheduler
