// Package tasks defines the wire contracts for task traffic on the bus.
//
// # Subjects
//
//	task.<type>   Task    {"id","type","payload"}           coordinator -> workers
//	task.claim    Claim   {"taskId","agentId"}              worker -> coordinator
//	task.result   Result  {"taskId","status","data","error"} worker -> coordinator
//
// The id a worker sees is always the job id the store generated. Workers
// echo it back as taskId so results can be joined to jobs.
//
// # Validation
//
// Submissions need a non-empty type that is safe inside a subject and a
// payload that is a JSON object. Failures are INVALID_INPUT errors from the
// errors package.
package tasks
