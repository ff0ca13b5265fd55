/*
Package metrics defines replguard's Prometheus metrics and the health
endpoints served in periodic mode.

# Metrics

	replguard_scans_total{mode}                      counter
	replguard_scan_duration_seconds                  histogram
	replguard_nodes{status}                          gauge
	replguard_probe_duration_seconds                 histogram
	replguard_retry_attempts_total{component,kind}   counter
	replguard_issues{category,severity}              gauge
	replguard_healing_decisions_total{reason}        counter
	replguard_healing_actions_total{category,result} counter
	replguard_rollbacks_total{result}                counter
	replguard_run_duration_seconds                   histogram
	replguard_last_result_code                       gauge

All metrics are registered with the default registry at init.

# Health

UpdateComponent records the state of a dependency (the state store, the
inventory) and RecordRun the summary of the last run. /health reports
unhealthy when a component is down or the last run was fatal, degraded
when the last run left issues or unreachable nodes. /ready reports ready
once the state store and the inventory are registered and healthy.

	http.ListenAndServe(":9090", metrics.Mux())
*/
package metrics
