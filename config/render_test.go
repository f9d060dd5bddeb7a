package config

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type renderCase struct {
	name             string
	contents         []string
	envVars          map[string]string
	expectedMerged   string
	expectedRendered string
	expectedError    error
}

func TestRenderMerge(t *testing.T) {
	runRenderCases(t, []renderCase{
		{
			name:             "two files",
			contents:         []string{"A=1\n", "B=2\n"},
			expectedRendered: "A = 1\nB = 2\n",
		},
		{
			name:             "later files override",
			contents:         []string{"A=1\n", "A=2\nB=2\n", "A=3\nC=3\n"},
			expectedRendered: "A = 3\nB = 2\nC = 3\n",
		},
		{
			name:             "override with an undefined var",
			contents:         []string{"A=1\n", "A=2\nB=2\n", "A={{VAR}}\nC=3\n"},
			expectedRendered: "A = {{VAR}}\nB = 2\nC = 3\n",
			expectedError:    ErrMissingVars,
		},
	})
}

func TestRenderCycles(t *testing.T) {
	runRenderCases(t, []renderCase{
		{
			name:             "three vars",
			contents:         []string{"A= {{B}}\n", "B= {{C}}\nC={{A}}\n"},
			expectedMerged:   "A = {{B}}\nB = {{C}}\nC = {{A}}\n",
			expectedRendered: "A = {{B}}\nB = {{C}}\nC = {{A}}\n",
			expectedError:    ErrCycleVars,
		},
		{
			name:             "two vars",
			contents:         []string{"A= {{B}}\n", "B= {{A}}\n"},
			expectedRendered: "A = {{B}}\nB = {{A}}\n",
			expectedError:    ErrCycleVars,
		},
		{
			name:             "self reference",
			contents:         []string{"A= {{A}}\n", ""},
			expectedRendered: "A = {{A}}\n",
			expectedError:    ErrCycleVars,
		},
		{
			name:             "broken by env var",
			contents:         []string{"A= {{B}}\n", "B= {{C}}\nC={{A}}\n"},
			envVars:          map[string]string{"UTCR_B": "4"},
			expectedRendered: "A = 4\nB = 4\nC = 4\n",
		},
	})
}

func TestRenderValues(t *testing.T) {
	runRenderCases(t, []renderCase{
		{
			name: "types are kept",
			contents: []string{"INT_VALUE={{MY_INT}}\n STR_VALUE= \"{{MY_STR}}\"\n MYBOOL={{MY_BOOL}}\n",
				"MY_STR=\"a string\"\nMY_INT=4\nMY_BOOL=true\n"},
			expectedRendered: "INT_VALUE = 4\nMYBOOL = true\nMY_BOOL = true\nMY_INT = 4\nMY_STR = \"a string\"\nSTR_VALUE = \"a string\"\n",
		},
		{
			name:             "composed string",
			contents:         []string{"PathRWData=\"/data\"\n", "[DB]\nPath= \"{{PathRWData}}/bridge.sqlite\"\n"},
			expectedRendered: "PathRWData = \"/data\"\n\n[DB]\n  Path = \"/data/bridge.sqlite\"\n",
		},
		{
			name:             "var only in env",
			contents:         []string{"A={{C}}\n"},
			envVars:          map[string]string{"UTCR_C": "4"},
			expectedRendered: "A = 4\n",
		},
		{
			name:             "env var keeps its quotes",
			contents:         []string{"A={{C}}\n"},
			envVars:          map[string]string{"UTCR_C": "\"4\""},
			expectedRendered: "A = \"4\"\n",
		},
		{
			name:             "env var wins over the file",
			contents:         []string{"A=\"hello\"\n", "B=\"{{A}}\"\n"},
			envVars:          map[string]string{"UTCR_A": "you"},
			expectedRendered: "A = \"hello\"\nB = \"you\"\n",
		},
	})
}

func TestRenderNestedVar(t *testing.T) {
	defaults := `
[Networks.ethereum]
RPCURL = "http://localhost:8545"
ChainID = 1
`
	file := `
[Networks.goerli]
RPCURL = "{{Networks.ethereum.RPCURL}}"
`
	sut := &ConfigRender{
		FilesData:     []FileData{{Name: "defaults", Content: defaults}, {Name: "file", Content: file}},
		LookupEnvFunc: envMock(nil).LookupEnv,
		EnvPrefix:     "UTCR",
	}
	res, err := sut.Render()
	require.NoError(t, err)
	require.NotContains(t, res, "{{")
	require.Equal(t, 2, strings.Count(res, `RPCURL = "http://localhost:8545"`))
}

func TestConvertFileToToml(t *testing.T) {
	jsonFile := `{"DryRun": true, "DB": {"Path": "/data"}, "Retry": {"MaxAttempts": 3}}`
	data, err := convertFileToToml(jsonFile, "json")
	require.NoError(t, err)
	require.Equal(t, "DryRun = true\n\n[DB]\n  Path = \"/data\"\n\n[Retry]\n  MaxAttempts = 3.0\n", data)

	yamlFile := "DryRun: true\nDB:\n  Path: /data\nRetry:\n  MaxAttempts: 3\n"
	data, err = convertFileToToml(yamlFile, "yaml")
	require.NoError(t, err)
	require.Equal(t, "DryRun = true\n\n[DB]\n  Path = \"/data\"\n\n[Retry]\n  MaxAttempts = 3\n", data)

	_, err = convertFileToToml("a=1", "ini")
	require.ErrorIs(t, err, ErrUnsupportedConfigFileType)
}

type envMock map[string]string

func (m envMock) LookupEnv(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func runRenderCases(t *testing.T, tests []renderCase) {
	t.Helper()
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			files := make([]FileData, len(tt.contents))
			for i, c := range tt.contents {
				files[i] = FileData{Name: fmt.Sprintf("file%d", i), Content: c}
			}
			sut := &ConfigRender{FilesData: files, LookupEnvFunc: envMock(tt.envVars).LookupEnv, EnvPrefix: "UTCR"}
			if tt.expectedMerged != "" {
				merged, err := sut.Merge()
				require.NoError(t, err)
				require.Equal(t, tt.expectedMerged, merged)
			}
			res, err := sut.Render()
			if tt.expectedError != nil {
				require.ErrorIs(t, err, tt.expectedError)
			} else {
				require.NoError(t, err)
			}
			if tt.expectedRendered != "" {
				require.Equal(t, tt.expectedRendered, res)
			}
		})
	}
}
