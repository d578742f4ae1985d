// Package adminapi exposes operator actions over HTTP/JSON.
//
// Routes (all under /api):
//
//	GET    /tasks                 list tasks of active modules with last run and live progress
//	POST   /tasks                 create a task
//	PUT    /tasks/{id}            update a task
//	DELETE /tasks?ids=1,2         delete tasks; protected tasks are skipped
//	POST   /tasks/{id}/run        run now, wait briefly and report
//	POST   /tasks/{id}/cancel     request cancellation of the live run
//	GET    /tasks/running         live runs on this machine
//	GET    /tasks/{id}/history    execution history
//	GET    /schedules/preview     ?expr=&max= upcoming fire times
//	GET    /modules               module states
//	GET    /status                scheduler state
//	GET    /notifications         recent operator notifications
//
// With profiling enabled, net/http/pprof is served under /debug/pprof/.
//
// When a token is configured every /api and /debug route requires
// "Authorization: Bearer <token>".
package adminapi
