package config

// DefaultVars are referenced by the default values and can be overridden by any config file
const DefaultVars = `
PathRWData = "/tmp/bridge-node"
`

// DefaultValues is the base every config file is merged over
const DefaultValues = `
DryRun = false
PollInterval = "10s"
ChallengeBond = "0"

[Log]
Environment = "development" # "production" or "development"
Level = "info"
Outputs = ["stderr"]

[DB]
Path = "{{PathRWData}}/bridge-node.sqlite"

[Signer]
Path = "{{PathRWData}}/bonder.keystore"
Password = ""

[Roles]
Bonder = true
Challenger = false
Staker = false

[Watchers]
bondWithdrawal = true
commitTransfers = true
settleBondedWithdrawals = true
challenge = true
stake = true

[CommitTransfers]
MaxWaitWindow = "0s"
TriggerPrecedence = "amount"

[Retry]
MaxAttempts = 5
InitialBackoff = "10s"
MaxBackoff = "5m"

[Events]
NATSURL = ""
SubjectPrefix = "bridge"
AlertSubject = "bridge.alerts"

[Metrics]
Enabled = false
Host = "localhost"
Port = 9091

[DBStateLog]
Enabled = false
Schedule = "@every 1m"
`
