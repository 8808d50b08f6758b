package injector

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/firmwaredroid/rehoster/internal/firmware"
	"github.com/firmwaredroid/rehoster/internal/strategy"
)

// DescriptorFilename is the build descriptor file name the AOSP build
// discovers inside a module directory.
const DescriptorFilename = "Android.bp"

// moduleName derives a deterministic, build-system-safe module name from an
// artifact file name.
func moduleName(fileName string) string {
	base := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String() + "_rehosted"
}

// renderDescriptor generates the Android.bp text for a module: one prebuilt
// stanza per bundled artifact.
func renderDescriptor(moduleType string, files []firmware.Artifact) string {
	var b strings.Builder
	b.WriteString("// Generated prebuilt modules for re-hosted vendor firmware.\n")
	for i := range files {
		b.WriteString("\n")
		b.WriteString(renderStanza(moduleType, &files[i]))
	}
	return b.String()
}

func renderStanza(moduleType string, a *firmware.Artifact) string {
	name := moduleName(a.Name())
	vendor := a.OriginPartition == "vendor"

	switch moduleType {
	case strategy.ModuleApp:
		return fmt.Sprintf(`android_app_import {
    name: %q,
    apk: %q,
    presigned: true,
    preprocessed: true,
    dex_preopt: {
        enabled: false,
    },
}
`, name, a.Name())
	case strategy.ModuleExecutable:
		return fmt.Sprintf(`cc_prebuilt_binary {
    name: %q,
    srcs: [%q],
    vendor: %v,
    strip: {
        none: true,
    },
    check_elf_files: false,
    prefer: true,
}
`, name, a.Name(), vendor)
	case strategy.ModuleApex, strategy.ModuleEtc:
		return fmt.Sprintf(`prebuilt_etc {
    name: %q,
    src: %q,
    filename: %q,
    installable: true,
}
`, name, a.Name(), a.Name())
	default: // shared_lib
		return fmt.Sprintf(`cc_prebuilt_library_shared {
    name: %q,
    srcs: [%q],
    vendor: %v,
    strip: {
        none: true,
    },
    check_elf_files: false,
    prefer: true,
}
`, name, a.Name(), vendor)
	}
}
