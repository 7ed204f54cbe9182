// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package topicinfo

// Generic command names shared by every controllable component.
const (
	CmdStart       = "start"
	CmdEnable      = "enable"
	CmdDisable     = "disable"
	CmdStandby     = "standby"
	CmdExitControl = "exitControl"
	CmdFault       = "fault"
	CmdSetLogLevel = "setLogLevel"
)

// Generic event names shared by every controllable component.
const (
	EvtSummaryState    = "summaryState"
	EvtHeartbeat       = "heartbeat"
	EvtErrorCode       = "errorCode"
	EvtLogMessage      = "logMessage"
	EvtLogLevel        = "logLevel"
	EvtSimulationMode  = "simulationMode"
	EvtSettingVersions = "settingVersions"
	EvtSettingsApplied = "settingsApplied"
)

// Field names of the ackcmd topic.
const (
	AckFieldAck       = "ack"
	AckFieldError     = "error"
	AckFieldResult    = "result"
	AckFieldIdentity  = "identity"
	AckFieldOrigin    = "origin"
	AckFieldCmdType   = "cmdtype"
	AckFieldCmdSeqNum = "cmdSeqNum"
	AckFieldTimeout   = "timeout"
)

// TopicSpec is the YAML form of one topic in a component description.
type TopicSpec struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description,omitempty"`
	Fields      []FieldInfo `yaml:"fields,omitempty"`
}

func str(name, description string) FieldInfo {
	return FieldInfo{Name: name, Type: TypeString, Description: description}
}

func long(name, description string) FieldInfo {
	return FieldInfo{Name: name, Type: TypeLong, Description: description}
}

func double(name, units, description string) FieldInfo {
	return FieldInfo{Name: name, Type: TypeDouble, Units: units, Description: description}
}

var genericCommands = []TopicSpec{
	{Name: CmdStart, Description: "Transition from OFFLINE to STANDBY, or from STANDBY to DISABLED applying settings.",
		Fields: []FieldInfo{str("configurationOverride", "Settings label or file to apply.")}},
	{Name: CmdEnable, Description: "Transition to ENABLED."},
	{Name: CmdDisable, Description: "Transition from ENABLED to DISABLED."},
	{Name: CmdStandby, Description: "Transition from DISABLED or FAULT to STANDBY."},
	{Name: CmdExitControl, Description: "Transition from STANDBY to OFFLINE and quit."},
	{Name: CmdFault, Description: "Go to FAULT."},
	{Name: CmdSetLogLevel, Description: "Set the log level.",
		Fields: []FieldInfo{long("level", "Log level; larger is more severe."), str("subsystem", "Logger name; blank for the component.")}},
}

var genericEvents = []TopicSpec{
	{Name: EvtSummaryState, Fields: []FieldInfo{long("summaryState", "Summary state.")}},
	{Name: EvtHeartbeat},
	{Name: EvtErrorCode, Fields: []FieldInfo{
		long("errorCode", "Component specific error code."),
		str("errorReport", "Description of the error."),
		str("traceback", "Stack trace, if any."),
	}},
	{Name: EvtLogMessage, Fields: []FieldInfo{
		str("name", "Logger name."),
		long("level", "Log level."),
		str("message", "Log message."),
		str("traceback", "Stack trace, if any."),
		str("filePath", "Source file."),
		str("functionName", "Function name."),
		long("lineNumber", "Line number."),
		long("process", "Process ID."),
		double("timestamp", "second", "Time of the log entry, Unix seconds."),
	}},
	{Name: EvtLogLevel, Fields: []FieldInfo{long("level", "Log level."), str("subsystem", "Logger name.")}},
	{Name: EvtSimulationMode, Fields: []FieldInfo{long("mode", "Simulation mode; 0 is normal operation.")}},
	{Name: EvtSettingVersions, Fields: []FieldInfo{
		str("recommendedSettingsLabels", "Comma separated settings labels."),
		str("recommendedSettingsVersion", "Version of the settings directory."),
		str("settingsUrl", "URL of the settings directory."),
	}},
	{Name: EvtSettingsApplied, Fields: []FieldInfo{
		str("settingsVersion", "Settings label or file that was applied."),
		str("otherSettingsEvents", "Comma separated names of other settings events."),
	}},
}

var ackFields = []FieldInfo{
	long(AckFieldAck, "Acknowledgement code."),
	long(AckFieldError, "Error code; 0 if none."),
	str(AckFieldResult, "Message."),
	str(AckFieldIdentity, "Identity of the command sender."),
	{Name: AckFieldOrigin, Type: TypeLongLong, Description: "Origin of the command sender."},
	long(AckFieldCmdType, "Index of the command in the alphabetical command list."),
	{Name: AckFieldCmdSeqNum, Type: TypeLongLong, Description: "Sequence number of the command."},
	double(AckFieldTimeout, "second", "Time the sender should wait for the next ack; 0 for the default."),
}
