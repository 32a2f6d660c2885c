package protocol

// Capability flag keys sent in the status_update handshake.
const (
	FieldHasCamera         = "has_camera"
	FieldHasIMU            = "has_imu"
	FieldHasRGB            = "has_rgb"
	FieldHasDistanceSensor = "has_distance_sensor"
	FieldHasHead           = "has_head"
	FieldIPAddress         = "ip_address"
	FieldMode              = "mode"
)

// Capabilities are the hardware interfaces a client declares at connect time.
type Capabilities struct {
	Camera         bool `json:"camera"`
	IMU            bool `json:"imu"`
	RGB            bool `json:"rgb"`
	DistanceSensor bool `json:"distance_sensor"`
	Head           bool `json:"head"`
}

// Fields encodes the capabilities as status_update fields.
func (c Capabilities) Fields() map[string]any {
	return map[string]any{
		FieldHasCamera:         c.Camera,
		FieldHasIMU:            c.IMU,
		FieldHasRGB:            c.RGB,
		FieldHasDistanceSensor: c.DistanceSensor,
		FieldHasHead:           c.Head,
	}
}

// Merge applies any capability flags present in fields, leaving the others untouched.
func (c *Capabilities) Merge(fields map[string]any) {
	set := func(key string, dst *bool) {
		if v, ok := fields[key].(bool); ok {
			*dst = v
		}
	}
	set(FieldHasCamera, &c.Camera)
	set(FieldHasIMU, &c.IMU)
	set(FieldHasRGB, &c.RGB)
	set(FieldHasDistanceSensor, &c.DistanceSensor)
	set(FieldHasHead, &c.Head)
}
