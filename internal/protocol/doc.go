// Package protocol holds what agents and the gateway must agree on: the JSON
// message shapes of the agent API, the request proof, payload sealing, and the
// small set of error kinds either side may observe.
package protocol
