package meter

import "github.com/pictor-ai/imagebroker"

// NoopMeter discards all events.
type NoopMeter struct{}

var _ imagebroker.Meter = (*NoopMeter)(nil)

func (*NoopMeter) OnAdmit(imagebroker.AdmitEvent)         {}
func (*NoopMeter) OnDispatch(imagebroker.DispatchEvent)   {}
func (*NoopMeter) OnReconcile(imagebroker.ReconcileEvent) {}
