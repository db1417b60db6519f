// Package control is the reactor toolkit's ambient tunables and
// introspection surface, per spec.md section 4.9/4.10: functional-option
// style tunables (buffer caps, inactivity timeout) plus named debug
// probes and a metrics registry, so a host application can observe and
// adjust a running Loop/Process/Connection without a CLI or file-based
// configuration layer.
//
// Author: momentics <momentics@gmail.com>
package control
