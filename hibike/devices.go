package hibike

// DefaultSchema is the built-in device type table for the smart-sensor
// population this core was written against. It mirrors the device
// names and parameter shapes referenced by
// original_source/runtime/runtime/devices.py's docstring examples
// (YogiBear's duty_cycle bounded to [-1, 1]) and the device roster
// implied by spec.md's own examples. A deployment may still load an
// alternate or extended schema from the --dev-schema file (see
// config.LoadSchema); DefaultSchema is the fallback used when no file
// is given and the fixture used by the test suite.
var DefaultSchema = Schema{
	0x00: {ID: 0x00, Name: "LimitSwitch", Params: []Parameter{
		{Name: "switch0", Type: Bool, Readable: true},
	}},
	0x01: {ID: 0x01, Name: "LineFollower", Params: []Parameter{
		{Name: "left", Type: Uint16, Lower: 0, Upper: 1023, Readable: true},
		{Name: "center", Type: Uint16, Lower: 0, Upper: 1023, Readable: true},
		{Name: "right", Type: Uint16, Lower: 0, Upper: 1023, Readable: true},
	}},
	0x02: {ID: 0x02, Name: "Potentiometer", Params: []Parameter{
		{Name: "pot0", Type: Uint16, Lower: 0, Upper: 1023, Readable: true},
		{Name: "pot1", Type: Uint16, Lower: 0, Upper: 1023, Readable: true},
		{Name: "pot2", Type: Uint16, Lower: 0, Upper: 1023, Readable: true},
	}},
	0x03: {ID: 0x03, Name: "Encoder", Params: []Parameter{
		{Name: "rotation", Type: Int16, Lower: -32768, Upper: 32767, Readable: true},
	}},
	0x04: {ID: 0x04, Name: "BatteryBuzzer", Params: []Parameter{
		{Name: "v_cell1", Type: Float32, Readable: true},
		{Name: "v_cell2", Type: Float32, Readable: true},
		{Name: "v_cell3", Type: Float32, Readable: true},
		{Name: "v_batt", Type: Float32, Readable: true},
		{Name: "calibrated", Type: Bool, Readable: true, Writable: true},
	}},
	0x0D: {ID: 0x0D, Name: "YogiBear", Params: []Parameter{
		{Name: "duty_cycle", Type: Float32, Lower: -1, Upper: 1, Readable: true, Writable: true},
		{Name: "pid_enabled", Type: Bool, Readable: true, Writable: true},
		{Name: "pid_kp", Type: Float32, Readable: true, Writable: true},
		{Name: "pid_ki", Type: Float32, Readable: true, Writable: true},
		{Name: "pid_kd", Type: Float32, Readable: true, Writable: true},
		{Name: "enc_pos", Type: Int32, Readable: true, Writable: true},
		{Name: "deadband", Type: Float32, Lower: 0, Upper: 1, Readable: true, Writable: true},
		{Name: "motor_current", Type: Float32, Readable: true},
	}},
	0x0E: {ID: 0x0E, Name: "RFID", Params: []Parameter{
		{Name: "id", Type: Uint32, Readable: true},
		{Name: "detect_tag", Type: Bool, Readable: true},
	}},
	0x0F: {ID: 0x0F, Name: "PolarBear", Params: []Parameter{
		{Name: "duty_cycle", Type: Float32, Lower: -1, Upper: 1, Readable: true, Writable: true},
		{Name: "motor_current", Type: Float32, Readable: true},
	}},
	0x10: {ID: 0x10, Name: "ServoControl", Params: []Parameter{
		{Name: "servo0", Type: Float32, Lower: -1, Upper: 1, Readable: true, Writable: true},
		{Name: "servo1", Type: Float32, Lower: -1, Upper: 1, Readable: true, Writable: true},
		{Name: "servo2", Type: Float32, Lower: -1, Upper: 1, Readable: true, Writable: true},
		{Name: "servo3", Type: Float32, Lower: -1, Upper: 1, Readable: true, Writable: true},
	}},
	0x12: {ID: 0x12, Name: "DistanceSensor", Params: []Parameter{
		{Name: "distance", Type: Uint16, Lower: 0, Upper: 4000, Readable: true},
	}},
	0x13: {ID: 0x13, Name: "MetalDetector", Params: []Parameter{
		{Name: "value", Type: Uint32, Readable: true},
	}},
	0x14: {ID: 0x14, Name: "TeamFlag", Params: []Parameter{
		{Name: "mode", Type: Uint8, Lower: 0, Upper: 2, Readable: true, Writable: true},
		{Name: "blue_led1", Type: Bool, Readable: true, Writable: true},
		{Name: "yellow_led1", Type: Bool, Readable: true, Writable: true},
		{Name: "blue_led2", Type: Bool, Readable: true, Writable: true},
		{Name: "yellow_led2", Type: Bool, Readable: true, Writable: true},
		{Name: "blue_led3", Type: Bool, Readable: true, Writable: true},
		{Name: "yellow_led3", Type: Bool, Readable: true, Writable: true},
		{Name: "flag", Type: Bool, Readable: true, Writable: true},
	}},
}
