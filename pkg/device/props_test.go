package device

import "testing"

func TestParseProps(t *testing.T) {
	output := "[gsm.sim.operator.numeric]: []\r\n" +
		"[ro.build.version.release]: [14]\n" +
		"[ro.product.device]: [walleye]\n" +
		"garbage line\n" +
		"\n"
	props := ParseProps(output)
	if len(props) != 3 {
		t.Fatalf("expected 3 props, got %d: %v", len(props), props)
	}
	if props[PropBuildRelease] != "14" {
		t.Fatalf("unexpected release %q", props[PropBuildRelease])
	}
	if v, ok := props["gsm.sim.operator.numeric"]; !ok || v != "" {
		t.Fatalf("empty value should be kept, got %q ok=%v", v, ok)
	}
	if got := ProductType(props); got != "walleye" {
		t.Fatalf("unexpected product type %q", got)
	}
}

func TestProductTypeFallback(t *testing.T) {
	if got := ProductType(map[string]string{PropBuildProduct: "sailfish"}); got != "sailfish" {
		t.Fatalf("expected fallback to ro.build.product, got %q", got)
	}
}
