// Package health holds composable liveness and readiness probes and the
// handlers that serve them.
//
// [All] and [Any] combine probes, [Fixed] is static, [CheckFunc] adapts a
// plain function, and [Timeout] bounds a probe that talks to something remote.
// [ShutdownGate] fails readiness as soon as drain starts, so load balancers stop
// routing new generate requests before in-flight ones finish.
package health
