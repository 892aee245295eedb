package inverter

// Modbus register map for the GoodWe ET/EH hybrid family. Addresses follow
// the vendor's "Modbus Protocol for Hybrid Inverter" document; all runtime
// values live in holding registers.
const (
	// identification block
	regSerialNumber  = 35003 // 8 regs, ASCII
	regSerialNumberN = 8
	regModelName     = 35011 // 5 regs, ASCII
	regModelNameN    = 5

	// command registers
	regWorkMode      = 47000 // 1 general, 2 off-grid, 3 backup, 4 eco
	regEcoChargeW    = 47511 // eco-mode charge power, W
	regEcoDischargeW = 47512 // eco-mode discharge power, W
	regExportLimitW  = 47509
	regBatteryDoDPct = 47513
	regStopFlag      = 47518 // 1 halts charge and discharge

	workModeGeneral = 1
	workModeOffGrid = 2
	workModeBackup  = 3
	workModeEco     = 4
)

type regKind int

const (
	kindU16 regKind = iota
	kindI16
	kindU32
	kindI32
)

// register is one named runtime value.
type register struct {
	name  string
	addr  uint16
	kind  regKind
	scale float64 // raw value is divided by scale
	unit  string
}

// runtimeRegisters is the runtime read set, grouped so consecutive entries
// share modbus blocks where the device lays them out contiguously.
var runtimeRegisters = []register{
	{"vpv1", 35103, kindU16, 10, "V"},
	{"ipv1", 35104, kindU16, 10, "A"},
	{"ppv1", 35105, kindU32, 1, "W"},
	{"vpv2", 35107, kindU16, 10, "V"},
	{"ipv2", 35108, kindU16, 10, "A"},
	{"ppv2", 35109, kindU32, 1, "W"},

	{"vgrid", 35121, kindU16, 10, "V"},
	{"igrid", 35122, kindU16, 10, "A"},
	{"fgrid", 35123, kindU16, 100, "Hz"},
	{"igrid_l2", 35126, kindU16, 10, "A"},
	{"igrid_l3", 35130, kindU16, 10, "A"},

	{"active_power", 35140, kindI32, 1, "W"}, // meter, import positive
	{"work_mode_code", 35187, kindU16, 1, ""},
	{"error_code", 35189, kindU32, 1, ""},

	{"house_consumption", 35191, kindU32, 1, "W"},
	{"e_day_pv", 35193, kindU32, 10, "kWh"},
	{"e_day_import", 35199, kindU32, 10, "kWh"},
	{"e_day_export", 35201, kindU32, 10, "kWh"},
	{"e_day_load", 35203, kindU32, 10, "kWh"},

	{"vbattery1", 37001, kindU16, 10, "V"},
	{"ibattery1", 37002, kindI16, 10, "A"},
	{"pbattery1", 37003, kindI32, 1, "W"}, // discharge positive
	{"battery_mode_code", 37006, kindU16, 1, ""},
	{"battery_soc", 37007, kindU16, 1, "%"},
	{"battery_temperature", 37022, kindI16, 10, "C"},
}

func (r register) quantity() uint16 {
	switch r.kind {
	case kindU32, kindI32:
		return 2
	default:
		return 1
	}
}

// decode converts the raw modbus bytes for r into a scaled float.
func (r register) decode(raw []byte) (float64, bool) {
	var v float64
	switch r.kind {
	case kindU16:
		if len(raw) < 2 {
			return 0, false
		}
		v = float64(uint16(raw[0])<<8 | uint16(raw[1]))
	case kindI16:
		if len(raw) < 2 {
			return 0, false
		}
		v = float64(int16(uint16(raw[0])<<8 | uint16(raw[1])))
	case kindU32:
		if len(raw) < 4 {
			return 0, false
		}
		v = float64(uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3]))
	case kindI32:
		if len(raw) < 4 {
			return 0, false
		}
		v = float64(int32(uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])))
	}
	if r.scale != 0 && r.scale != 1 {
		v /= r.scale
	}
	return v, true
}
