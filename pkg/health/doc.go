/*
Package health reads replication state from domain controllers.

A Prober fetches the raw partner and failure records of one node. Two
transports are provided:

	ExecProber   runs an external command, e.g. a repadmin wrapper, and
	             decodes its JSON stdout
	HTTPProber   GETs the state from an agent endpoint on the node

Both take templates in which "{node}" is replaced with the node name:

	probe := health.NewExecProber([]string{"dcprobe", "--json", "{node}"})
	probe := health.NewHTTPProber("https://{node}:8443/replication").
		WithHeader("Authorization", "Bearer "+token)

The expected payload is

	{
	  "partners": [{"partner": "dc02", "last_success": "...", "consecutive_failures": 0}],
	  "failures": [{"partner": "dc03", "failure_count": 4, "last_error": "..."}]
	}

# Collector

Collector wraps a prober with the retry executor and an optional TCP
reachability gate. Transient errors (RPC unavailable, timeouts, refused
connections) are retried with backoff; permanent ones such as access
denied fail at once. Collect never returns an error: a node that cannot
be probed yields an Unreachable snapshot carrying the last error text.

A probed node is Degraded when it reports failures, a partner with
consecutive failures, or a partner whose last success is older than the
stale threshold. Otherwise it is Healthy.
*/
package health
