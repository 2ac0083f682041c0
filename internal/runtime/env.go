package runtime

import (
	"os"
	"strings"
)

// Host variables selecting accelerator devices. They are forwarded into
// container steps so that GPU builds see the same devices as the host.
var acceleratorEnv = []string{
	"CUDA_VISIBLE_DEVICES",
	"HIP_VISIBLE_DEVICES",
	"ROCR_VISIBLE_DEVICES",
	"GPU_DEVICE_ORDINAL",
	"HSA_OVERRIDE_GFX_VERSION",
	"HSA_VISIBLE_DEVICES",
	"GGML_VK_VISIBLE_DEVICES",
}

// Returns the accelerator variables set on the host as KEY=VALUE entries.
func hostAcceleratorEnv() []string {
	return acceleratorEnvFrom(os.LookupEnv)
}

func acceleratorEnvFrom(lookup func(string) (string, bool)) []string {
	var out []string
	for _, k := range acceleratorEnv {
		if v, ok := lookup(k); ok {
			out = append(out, k+"="+v)
		}
	}
	return out
}

// Merges override env vars on top of a base env slice.
//
// Base order is kept; new keys from overrides are appended in order.
// Malformed entries without "=" are dropped.
func mergeEnv(base, overrides []string) []string {
	index := make(map[string]int, len(base)+len(overrides))
	result := make([]string, 0, len(base)+len(overrides))

	for _, list := range [][]string{base, overrides} {
		for _, entry := range list {
			k, _, ok := strings.Cut(entry, "=")
			if !ok {
				continue
			}
			if i, seen := index[k]; seen {
				result[i] = entry
				continue
			}
			index[k] = len(result)
			result = append(result, entry)
		}
	}
	return result
}
