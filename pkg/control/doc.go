/*
Package control implements the AgentFS control plane: the request and
response envelope for snapshot, branch and binding management, its
validation, the CBOR and JSON codecs, and a dispatcher that applies
validated requests to the engine.

Requests carry a protocol version and an operation name:

	{"version": "1", "op": "branch.bind", "pid": 4242, "branch_id": "..."}

A request is validated in full before the engine sees it. Undecodable
bytes and requests breaking the schema fail with INVALID_ARGUMENT and
change nothing; the error's "reason" detail says which check failed. A
response carries either the typed result or an error message and code.

CBOR is the binary framing adapters embed in ioctl, DeviceIoControl or
XPC payloads. JSON is accepted for tooling; Detect tells the two apart
from the first byte.
*/
package control
