package adxl345

// Bus defaults for the single supported device.
const (
	DriverName     = "adxl345"
	DefaultAdapter = 1
	DefaultAddress = 0x1D
	AltAddress     = 0x53
)

// DeviceIDValue is the fixed content of RegDEVID.
const DeviceIDValue = 0xE5

// Registers
const (
	RegDEVID         = 0x00
	RegTHRESH_TAP    = 0x1D
	RegOFSX          = 0x1E
	RegOFSY          = 0x1F
	RegOFSZ          = 0x20
	RegDUR           = 0x21
	RegLATENT        = 0x22
	RegWINDOW        = 0x23
	RegTHRESH_ACT    = 0x24
	RegTHRESH_INACT  = 0x25
	RegTIME_INACT    = 0x26
	RegACT_INACT_CTL = 0x27
	RegTHRESH_FF     = 0x28
	RegTIME_FF       = 0x29
	RegTAP_AXES      = 0x2A
	RegACT_TAP_STAT  = 0x2B
	RegBW_RATE       = 0x2C
	RegPOWER_CTL     = 0x2D
	RegINT_ENABLE    = 0x2E
	RegINT_MAP       = 0x2F
	RegINT_SOURCE    = 0x30
	RegDATA_FORMAT   = 0x31
	RegDATAX0        = 0x32
	RegDATAX1        = 0x33
	RegDATAY0        = 0x34
	RegDATAY1        = 0x35
	RegDATAZ0        = 0x36
	RegDATAZ1        = 0x37
	RegFIFO_CTL      = 0x38
	RegFIFO_STATUS   = 0x39
)

// Register bits
const (
	powerCtlMeasure  = 1 << 3
	bwRateLowPower   = 1 << 4
	intSourceReady   = 1 << 7
	fifoCtlModeMask  = 3 << 6
	dataFormatFullHi = 0x0B // full resolution, right justified, +-16g
)
