package site

// Publish topics for the metric keys the site works with. Keys without an
// entry publish under the raw key.
var mqttTopics = map[string]string{
	"6100_0046C200": "production/current",
	"6400_0046C300": "production/total_wh",
	"6100_40263F00": "ac_measurements/power",
	"6100_00465700": "ac_measurements/frequency",
	"6100_00464800": "ac_measurements/voltage/phase_l1",
	"6100_00464900": "ac_measurements/voltage/phase_l2",
	"6100_00464B00": "ac_measurements/voltage/phase_l1_l2",
	"6380_40251E00": "dc_measurements/power",
	"6380_40451F00": "dc_measurements/voltage",
	"6380_40452100": "dc_measurements/current",
	"6180_08416500": "status/reason_for_derating",
	"6180_08412800": "status/general_operating_status",
	"6180_08416400": "status/grid_relay",
	"6180_08414C00": "status/condition",
}

// Keys whose per-device values are summed into a "site" entry.
var aggregateKeys = map[string]bool{
	"6100_40263F00": true, // AC grid power
	"6100_0046C200": true, // PV generation power
	"6400_0046C300": true, // total yield meter
	"6380_40251E00": true, // DC power per string
}

// snapshotKeys is the fast-tier bundle: live power plus inverter status.
var snapshotKeys = []string{
	"6100_40263F00", // AC grid power
	"6380_40251E00", // DC power
	"6180_08416500", // reason for derating
	"6180_08412800", // general operating status
	"6180_08416400", // grid relay
	"6180_08414C00", // condition
	"6400_0046C300", // total yield
}

const (
	totalWhKey = "6400_0046C300"
	acPowerKey = "6100_40263F00"
	dcPowerKey = "6380_40251E00"
)

func topicFor(key string) string {
	if topic, ok := mqttTopics[key]; ok {
		return topic
	}
	return key
}
