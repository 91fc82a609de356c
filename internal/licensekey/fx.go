package licensekey

import "go.uber.org/fx"

var Module = fx.Module("licensekey",
	fx.Provide(NewIssuer),
)
