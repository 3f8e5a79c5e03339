package models

// SensorType is a catalog entry that can be attached to devices.
type SensorType struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Unit        string  `json:"unit"`
	Description *string `json:"description"`
	IsActive    bool    `json:"is_active"`
}

type SensorTypeCreate struct {
	Name        string  `json:"name"`
	Unit        string  `json:"unit"`
	Description *string `json:"description"`
}

type SensorTypeUpdate struct {
	Name        *string `json:"name"`
	Unit        *string `json:"unit"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"is_active"`
}

// DeviceSensorLink attaches a sensor type to a device, optionally with a
// calibration formula applied to every raw reading.
type DeviceSensorLink struct {
	DeviceID           int64   `json:"device_id"`
	SensorTypeID       int64   `json:"sensor_type_id"`
	CalibrationFormula *string `json:"calibration_formula"`
}

// SensorLinkChange summarises a replace of a device's sensor set.
type SensorLinkChange struct {
	Status  string `json:"status"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}
