package config

// analysisChannels lists the channels relevant for analysis per supported device.
var analysisChannels = map[string][]string{
	"DSI": {"P3", "C3", "F3", "Fz", "F4", "C4", "P4", "Cz", "A1", "Fp1", "Fp2",
		"T3", "T5", "O1", "O2", "F7", "F8", "A2", "T6", "T4"},
	"g.USBamp-2": {"Ch1", "Ch2", "Ch3", "Ch4", "Ch5", "Ch6", "Ch7", "Ch8",
		"Ch9", "Ch10", "Ch11", "Ch12", "Ch13", "Ch14", "Ch15", "Ch16"},
}

// AnalysisChannels returns a copy of the analysis channel list for a device.
func AnalysisChannels(device string) ([]string, bool) {
	ch, ok := analysisChannels[device]
	if !ok {
		return nil, false
	}
	return append([]string(nil), ch...), true
}

// Devices returns the names of devices with known channel lists.
func Devices() []string {
	return []string{"DSI", "g.USBamp-2"}
}
