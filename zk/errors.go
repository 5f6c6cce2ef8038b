package zk

import "strconv"

// ErrCode is the error field of a reply header. ErrOK means success; every
// other value implements error so codes can travel through Go error chains.
type ErrCode int32

const (
	ErrOK                      ErrCode = 0
	ErrSystemError             ErrCode = -1
	ErrRuntimeInconsistency    ErrCode = -2
	ErrDataInconsistency       ErrCode = -3
	ErrConnectionLoss          ErrCode = -4
	ErrMarshallingError        ErrCode = -5
	ErrUnimplemented           ErrCode = -6
	ErrOperationTimeout        ErrCode = -7
	ErrBadArguments            ErrCode = -8
	ErrNewConfigNoQuorum       ErrCode = -13
	ErrReconfigInProgress      ErrCode = -14
	ErrAPIError                ErrCode = -100
	ErrNoNode                  ErrCode = -101
	ErrNoAuth                  ErrCode = -102
	ErrBadVersion              ErrCode = -103
	ErrNoChildrenForEphemerals ErrCode = -108
	ErrNodeExists              ErrCode = -110
	ErrNotEmpty                ErrCode = -111
	ErrSessionExpired          ErrCode = -112
	ErrInvalidCallback         ErrCode = -113
	ErrInvalidACL              ErrCode = -114
	ErrAuthFailed              ErrCode = -115
	ErrSessionMoved            ErrCode = -118
	ErrNotReadOnly             ErrCode = -119
	ErrEphemeralOnLocalSession ErrCode = -120
	ErrNoWatcher               ErrCode = -121
	ErrReconfigDisabled        ErrCode = -123
)

var errNames = map[ErrCode]string{
	ErrOK:                      "ok",
	ErrSystemError:             "system error",
	ErrRuntimeInconsistency:    "runtime inconsistency",
	ErrDataInconsistency:       "data inconsistency",
	ErrConnectionLoss:          "connection loss",
	ErrMarshallingError:        "marshalling error",
	ErrUnimplemented:           "unimplemented",
	ErrOperationTimeout:        "operation timeout",
	ErrBadArguments:            "bad arguments",
	ErrNewConfigNoQuorum:       "new config has no quorum",
	ErrReconfigInProgress:      "reconfig in progress",
	ErrAPIError:                "api error",
	ErrNoNode:                  "node does not exist",
	ErrNoAuth:                  "not authenticated",
	ErrBadVersion:              "bad version",
	ErrNoChildrenForEphemerals: "ephemeral nodes may not have children",
	ErrNodeExists:              "node already exists",
	ErrNotEmpty:                "node has children",
	ErrSessionExpired:          "session expired",
	ErrInvalidCallback:         "invalid callback",
	ErrInvalidACL:              "invalid acl",
	ErrAuthFailed:              "authentication failed",
	ErrSessionMoved:            "session moved",
	ErrNotReadOnly:             "not a read-only call",
	ErrEphemeralOnLocalSession: "ephemeral on local session",
	ErrNoWatcher:               "no such watcher",
	ErrReconfigDisabled:        "reconfig disabled",
}

func (c ErrCode) Error() string {
	if name, ok := errNames[c]; ok {
		return "zk: " + name
	}
	return "zk: error " + strconv.Itoa(int(c))
}
