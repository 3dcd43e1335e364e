package wds

import "fmt"

// Step is the readiness step of a slot's bring-up.
type Step uint8

// Steps in execution order. The IPv6 steps are placeholders: IPv6 bring-up
// is not implemented and they short-circuit to StepFinished.
const (
	StepGetProfiles Step = iota
	StepFindProfile
	StepProfileReady
	StepSetupDataFormat
	StepSetupLink
	StepLinkBringup
	StepSetIPBearerMethod
	StepBindDataPort
	StepSelectIPFamily
	StepStartNetwork
	StepWaitForCompletion
	StepRegisterIndications
	StepGetSettings
	StepSelectIPv6Family
	StepStartNetworkIPv6
	StepGetSettingsIPv6

	StepFinished Step = 0xfe
	StepGaveUp   Step = 0xff
)

var stepNames = map[Step]string{
	StepGetProfiles:         "GetProfiles",
	StepFindProfile:         "FindProfile",
	StepProfileReady:        "ProfileReady",
	StepSetupDataFormat:     "SetupDataFormat",
	StepSetupLink:           "SetupLink",
	StepLinkBringup:         "LinkBringup",
	StepSetIPBearerMethod:   "SetIPBearerMethod",
	StepBindDataPort:        "BindDataPort",
	StepSelectIPFamily:      "SelectIPFamily",
	StepStartNetwork:        "StartNetwork",
	StepWaitForCompletion:   "WaitForCompletion",
	StepRegisterIndications: "RegisterIndications",
	StepGetSettings:         "GetSettings",
	StepSelectIPv6Family:    "SelectIPv6Family",
	StepStartNetworkIPv6:    "StartNetworkIPv6",
	StepGetSettingsIPv6:     "GetSettingsIPv6",
	StepFinished:            "Finished",
	StepGaveUp:              "GaveUp",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Step(%d)", uint8(s))
}

// Terminal reports whether the tick loop stops at s.
func (s Step) Terminal() bool {
	return s == StepFinished || s == StepGaveUp
}
