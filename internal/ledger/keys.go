package ledger

// keySpace builds every Redis key the ledger touches. Keys are namespaced
// so multiple deployments can share one instance.
//
// Layout:
//
//	<ns>:conv:<id>                     hash   conversation fields
//	<ns>:conv:<id>:msgs                list   JSON message records
//	<ns>:convs:active                  zset   member=convID score=lastTouched(ms)
//	<ns>:convs:closed                  zset   member=convID score=closedAt(ms)
//	<ns>:tokens:active                 zset   member=token score=lastTouched(ms)
//	<ns>:token:<token>:convs           zset   member=convID score=lastTouched(ms)
//	<ns>:req:<id>                      hash   request fields
//	<ns>:turn:<id>                     hash   turn fields
//	<ns>:metrics:*                     hash   monotonic counters
type keySpace struct {
	ns string
}

func (k keySpace) conv(id string) string      { return k.ns + ":conv:" + id }
func (k keySpace) convMsgs(id string) string  { return k.ns + ":conv:" + id + ":msgs" }
func (k keySpace) active() string             { return k.ns + ":convs:active" }
func (k keySpace) closed() string             { return k.ns + ":convs:closed" }
func (k keySpace) activeTokens() string       { return k.ns + ":tokens:active" }
func (k keySpace) tokenConvs(tok string) string { return k.ns + ":token:" + tok + ":convs" }
func (k keySpace) request(id string) string   { return k.ns + ":req:" + id }
func (k keySpace) turn(id string) string      { return k.ns + ":turn:" + id }

func (k keySpace) metricsTool(name string) string  { return k.ns + ":metrics:tool:" + name }
func (k keySpace) metricsModel(name string) string { return k.ns + ":metrics:model:" + name + ":openrouter" }
func (k keySpace) metricsModelLatency(name string) string {
	return k.ns + ":metrics:model:" + name + ":latency"
}
func (k keySpace) metricsModelTokens(name string) string {
	return k.ns + ":metrics:model:" + name + ":tokens"
}
func (k keySpace) metricsRateLimit(tok string) string {
	return k.ns + ":metrics:token:" + tok + ":ratelimit"
}
func (k keySpace) metricsTurns() string    { return k.ns + ":metrics:turns" }
func (k keySpace) metricsRequests() string { return k.ns + ":metrics:requests" }
